package ubi

import (
	"encoding/binary"
	"fmt"
)

// ECHeaderSize and VIDHeaderSize are the on-flash sizes of the two
// headers, summed field by field, reserved bytes included.
const (
	ECHeaderSize  = 4 + 1 + 3 + 8 + 4 + 4 + 4 + 32 + 4
	VIDHeaderSize = 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 12 + 4
)

// ECHeader is the per-PEB erase-counter header at offset 0 of every
// UBI-managed PEB.
type ECHeader struct {
	Version      uint8
	EC           uint64 // 8 bytes on flash; only the low 31 bits are legal
	VIDHdrOffset uint32
	DataOffset   uint32
	ImageSeq     uint32
}

// MarshalBinary encodes h in the exact big-endian on-flash layout, field
// by field (no struct-tag reflection: the layout is externally fixed, not
// ours to choose).
func (h *ECHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ECHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], ECHeaderMagic)
	buf[4] = h.Version
	// buf[5:8] reserved
	binary.BigEndian.PutUint64(buf[8:16], h.EC)
	binary.BigEndian.PutUint32(buf[16:20], h.VIDHdrOffset)
	binary.BigEndian.PutUint32(buf[20:24], h.DataOffset)
	binary.BigEndian.PutUint32(buf[24:28], h.ImageSeq)
	// buf[28:60] reserved
	crc := CRC32(buf[:60])
	binary.BigEndian.PutUint32(buf[60:64], crc)
	return buf, nil
}

// UnmarshalECHeader decodes an EC header, returning an error if the magic
// or the trailing hdr_crc don't match. It is up to the caller to turn that
// into the richer outcome enum (flashio.ECOutcome), since a bare I/O error
// vs. a CRC mismatch are distinguished by the flash layer, not by this
// codec.
func UnmarshalECHeader(buf []byte) (*ECHeader, error) {
	if len(buf) < ECHeaderSize {
		return nil, fmt.Errorf("ubi: short EC header: %d bytes", len(buf))
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != ECHeaderMagic {
		return nil, fmt.Errorf("ubi: bad EC header magic %#x", magic)
	}
	crc := binary.BigEndian.Uint32(buf[60:64])
	if got := CRC32(buf[:60]); got != crc {
		return nil, fmt.Errorf("ubi: EC header CRC mismatch: have %#x want %#x", got, crc)
	}
	h := &ECHeader{
		Version:      buf[4],
		EC:           binary.BigEndian.Uint64(buf[8:16]),
		VIDHdrOffset: binary.BigEndian.Uint32(buf[16:20]),
		DataOffset:   binary.BigEndian.Uint32(buf[20:24]),
		ImageSeq:     binary.BigEndian.Uint32(buf[24:28]),
	}
	return h, nil
}

// VIDHeader is the per-PEB volume-identifier header, binding a PEB to
// (vol_id, lnum, sqnum).
type VIDHeader struct {
	VolType  VolType
	CopyFlag bool
	Compat   Compat
	VolID    int32
	LNum     int32
	DataSize uint32
	UsedEBs  uint32
	DataPad  uint32
	DataCRC  uint32
	Sqnum    uint64
}

// MarshalBinary encodes v in the on-flash layout, big-endian field by
// field.
func (v *VIDHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, VIDHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], VIDHeaderMagic)
	buf[4] = 1 // version
	buf[5] = byte(v.VolType)
	if v.CopyFlag {
		buf[6] = 1
	}
	buf[7] = byte(v.Compat)
	binary.BigEndian.PutUint32(buf[8:12], uint32(v.VolID))
	binary.BigEndian.PutUint32(buf[12:16], uint32(v.LNum))
	// buf[16:20] reserved
	binary.BigEndian.PutUint32(buf[20:24], v.DataSize)
	binary.BigEndian.PutUint32(buf[24:28], v.UsedEBs)
	binary.BigEndian.PutUint32(buf[28:32], v.DataPad)
	binary.BigEndian.PutUint32(buf[32:36], v.DataCRC)
	// buf[36:40] reserved
	binary.BigEndian.PutUint64(buf[40:48], v.Sqnum)
	// buf[48:60] reserved
	crc := CRC32(buf[:60])
	binary.BigEndian.PutUint32(buf[60:64], crc)
	return buf, nil
}

// UnmarshalVIDHeader decodes a VID header, validating magic and hdr_crc.
func UnmarshalVIDHeader(buf []byte) (*VIDHeader, error) {
	if len(buf) < VIDHeaderSize {
		return nil, fmt.Errorf("ubi: short VID header: %d bytes", len(buf))
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != VIDHeaderMagic {
		return nil, fmt.Errorf("ubi: bad VID header magic %#x", magic)
	}
	crc := binary.BigEndian.Uint32(buf[60:64])
	if got := CRC32(buf[:60]); got != crc {
		return nil, fmt.Errorf("ubi: VID header CRC mismatch: have %#x want %#x", got, crc)
	}
	v := &VIDHeader{
		VolType:  VolType(buf[5]),
		CopyFlag: buf[6] != 0,
		Compat:   Compat(buf[7]),
		VolID:    int32(binary.BigEndian.Uint32(buf[8:12])),
		LNum:     int32(binary.BigEndian.Uint32(buf[12:16])),
		DataSize: binary.BigEndian.Uint32(buf[20:24]),
		UsedEBs:  binary.BigEndian.Uint32(buf[24:28]),
		DataPad:  binary.BigEndian.Uint32(buf[28:32]),
		DataCRC:  binary.BigEndian.Uint32(buf[32:36]),
		Sqnum:    binary.BigEndian.Uint64(buf[40:48]),
	}
	return v, nil
}
