package ubi

import "testing"

func TestECHeaderRoundTrip(t *testing.T) {
	h := &ECHeader{
		Version:      1,
		EC:           12345,
		VIDHdrOffset: 64,
		DataOffset:   128,
		ImageSeq:     0xdeadbeef,
	}
	buf, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != ECHeaderSize {
		t.Fatalf("len(buf) = %d, want %d", len(buf), ECHeaderSize)
	}
	got, err := UnmarshalECHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalECHeader: %v", err)
	}
	if *got != *h {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestECHeaderBadCRC(t *testing.T) {
	h := &ECHeader{Version: 1, EC: 1}
	buf, _ := h.MarshalBinary()
	buf[10] ^= 0xFF // corrupt a byte inside the checksummed region
	if _, err := UnmarshalECHeader(buf); err == nil {
		t.Fatal("expected CRC mismatch error, got nil")
	}
}

func TestECHeaderBadMagic(t *testing.T) {
	h := &ECHeader{Version: 1}
	buf, _ := h.MarshalBinary()
	buf[0] ^= 0xFF
	if _, err := UnmarshalECHeader(buf); err == nil {
		t.Fatal("expected magic mismatch error, got nil")
	}
}

func TestECHeaderHighBitECStaysUnsigned(t *testing.T) {
	// The on-flash ec field is 8 bytes unsigned; a value with bit 63 set
	// must survive the round trip as-is so range checks see the real
	// value instead of a negative alias.
	h := &ECHeader{Version: 1, EC: 1<<63 | 5}
	buf, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := UnmarshalECHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalECHeader: %v", err)
	}
	if got.EC != 1<<63|5 {
		t.Fatalf("EC = %#x, want %#x", got.EC, uint64(1<<63|5))
	}
	if got.EC <= uint64(MaxEC) {
		t.Fatalf("EC %#x should exceed MaxEC %#x", got.EC, uint64(MaxEC))
	}
}

func TestVIDHeaderRoundTrip(t *testing.T) {
	v := &VIDHeader{
		VolType:  VolStatic,
		CopyFlag: true,
		Compat:   CompatPreserve,
		VolID:    7,
		LNum:     3,
		DataSize: 4096,
		UsedEBs:  10,
		DataPad:  12,
		DataCRC:  0x1234abcd,
		Sqnum:    98765,
	}
	buf, err := v.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != VIDHeaderSize {
		t.Fatalf("len(buf) = %d, want %d", len(buf), VIDHeaderSize)
	}
	got, err := UnmarshalVIDHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalVIDHeader: %v", err)
	}
	if *got != *v {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, v)
	}
}

func TestVIDHeaderBadCRC(t *testing.T) {
	v := &VIDHeader{VolID: 1}
	buf, _ := v.MarshalBinary()
	buf[20] ^= 0xFF
	if _, err := UnmarshalVIDHeader(buf); err == nil {
		t.Fatal("expected CRC mismatch error, got nil")
	}
}

func TestIsInternal(t *testing.T) {
	cases := []struct {
		id   int32
		want bool
	}{
		{0, false},
		{MaxUserVolumes - 1, false},
		{LayoutVolID, false}, // the layout volume is dispatched on its own
		{FastmapSBVolID, true},
		{FastmapDataVolID, true},
		{ShadowBackupVolID, true},
		{MaxUserVolumes, true},
	}
	for _, c := range cases {
		if got := IsInternal(c.id); got != c.want {
			t.Errorf("IsInternal(%d) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestIsManagedInternal(t *testing.T) {
	for _, id := range []int32{FastmapSBVolID, FastmapDataVolID, ShadowBackupVolID} {
		if !IsManagedInternal(id) {
			t.Errorf("IsManagedInternal(%d) = false, want true", id)
		}
	}
	for _, id := range []int32{0, LayoutVolID, InternalVolStart + 10} {
		if IsManagedInternal(id) {
			t.Errorf("IsManagedInternal(%d) = true, want false", id)
		}
	}
}
