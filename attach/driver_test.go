package attach

import (
	"context"
	"errors"
	"testing"

	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

func writeTestEC(t *testing.T, dev *flashio.FileDevice, pnum int, ec int64) {
	t.Helper()
	ech := &ubi.ECHeader{
		Version:      1,
		EC:           uint64(ec),
		VIDHdrOffset: uint32(dev.VIDHdrOffset()),
		DataOffset:   uint32(dev.DataOffset()),
	}
	if err := dev.WriteECHeader(pnum, ech); err != nil {
		t.Fatalf("WriteECHeader: %v", err)
	}
}

func TestScanAllMeanECFillIn(t *testing.T) {
	dev := newTestFileDevice(t)
	writeTestEC(t, dev, 0, 10)
	writeTestEC(t, dev, 1, 20)
	// PEBs 2 and 3 stay erased: unknown EC, filled in from the mean.

	ai, err := ScanAll(context.Background(), dev, Config{})
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	defer ai.Close()

	if ai.MeanEC != 15 {
		t.Fatalf("MeanEC = %d, want 15", ai.MeanEC)
	}
	if ai.MinEC != 10 || ai.MaxEC != 20 {
		t.Fatalf("MinEC/MaxEC = %d/%d, want 10/20", ai.MinEC, ai.MaxEC)
	}
	for _, p := range ai.Erase() {
		if p.EC != 15 {
			t.Fatalf("erase-list pnum %d EC = %d, want fill-in of 15", p.Pnum, p.EC)
		}
	}
	if got := len(ai.Free()); got != 2 {
		t.Fatalf("free PEBs = %d, want 2", got)
	}
}

func TestScanAllTooManyCorrRefused(t *testing.T) {
	dev := newTestFileDevice(t)
	writeTestEC(t, dev, 0, 1)
	dev.SetFault(0, flashio.Fault{VID: flashio.VIDOutcomeBadHdr})
	junk := make([]byte, 64)
	for i := range junk {
		junk[i] = 0xCD
	}
	if err := dev.WriteData(0, 0, junk); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	_, err := ScanAll(context.Background(), dev, Config{MaxCorrFraction: 4, MaxCorrFloor: 1})
	if err == nil {
		t.Fatal("expected refusal with one corrupt PEB against a threshold of 1")
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Class != ClassRefused {
		t.Fatalf("err = %v, want *FatalError{Class: ClassRefused}", err)
	}
}

func TestScanAllBlankWithTooManyMaybeBadRefused(t *testing.T) {
	dev := newTestFileDevice(t)
	for pnum := 0; pnum < 3; pnum++ {
		dev.SetFault(pnum, flashio.Fault{
			EC:  flashio.ECOutcomeBadHdrEBADMSG,
			VID: flashio.VIDOutcomeBadHdrEBADMSG,
		})
	}
	// PEB 3 stays erased, so empty + maybe_bad covers the whole device but
	// three maybe-bad PEBs exceed the default tolerance of two.

	_, err := ScanAll(context.Background(), dev, Config{})
	if err == nil {
		t.Fatal("expected refusal of blank-looking media with too many maybe-bad PEBs")
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Class != ClassRefused {
		t.Fatalf("err = %v, want *FatalError{Class: ClassRefused}", err)
	}
}

func TestScanAllContextCancelled(t *testing.T) {
	dev := newTestFileDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ScanAll(ctx, dev, Config{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestScanAllYieldCalledPerPEB(t *testing.T) {
	dev := newTestFileDevice(t)
	yields := 0
	ai, err := ScanAll(context.Background(), dev, Config{Yield: func() { yields++ }})
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	defer ai.Close()
	if yields != dev.PEBCount() {
		t.Fatalf("yields = %d, want %d (one per PEB boundary)", yields, dev.PEBCount())
	}
}

type stubFastmapParser struct {
	ai     *Info
	err    error
	called int
}

func (s *stubFastmapParser) Parse(anchorPnum int) (*Info, error) {
	s.called++
	return s.ai, s.err
}

func TestAttachFallsBackToFullScanWithoutAnchor(t *testing.T) {
	dev := newTestFileDevice(t)
	parser := &stubFastmapParser{err: errors.New("no fastmap")}

	ai, err := Attach(context.Background(), dev, Config{
		FastmapEnabled: true,
		FastmapParser:  parser,
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer ai.Close()

	if parser.called != 0 {
		t.Fatalf("parser called %d times with no anchor on flash, want 0", parser.called)
	}
	if !ai.IsEmpty {
		t.Fatal("fallback full scan should have classified the blank device as empty")
	}
}

func TestAttachUsesFastmapAnchor(t *testing.T) {
	dev := newTestFileDevice(t)
	writeTestEC(t, dev, 0, 1)
	vidh := &ubi.VIDHeader{VolType: ubi.VolDynamic, VolID: ubi.FastmapSBVolID, LNum: 0, Sqnum: 9}
	if err := dev.WriteVIDHeader(0, vidh); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}

	want := newInfo(dev, Config{})
	parser := &stubFastmapParser{ai: want}

	ai, err := Attach(context.Background(), dev, Config{
		FastmapEnabled: true,
		FastmapParser:  parser,
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if parser.called != 1 {
		t.Fatalf("parser called %d times, want 1", parser.called)
	}
	if ai != want {
		t.Fatal("Attach should return the parser's Info when the fastmap is valid")
	}
}

func TestAttachTwiceIsIsomorphic(t *testing.T) {
	dev := newTestFileDevice(t)
	writeTestEC(t, dev, 0, 7)
	vidh := &ubi.VIDHeader{VolType: ubi.VolDynamic, VolID: 0, LNum: 0, Sqnum: 3}
	if err := dev.WriteVIDHeader(0, vidh); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}

	first, err := ScanAll(context.Background(), dev, Config{})
	if err != nil {
		t.Fatalf("first ScanAll: %v", err)
	}
	defer first.Close()
	second, err := ScanAll(context.Background(), dev, Config{})
	if err != nil {
		t.Fatalf("second ScanAll: %v", err)
	}
	defer second.Close()

	if first.VolsFound != second.VolsFound || first.MeanEC != second.MeanEC ||
		first.MaxSqnum != second.MaxSqnum {
		t.Fatalf("runs disagree: %+v vs %+v", first, second)
	}
	first.Volumes(func(v *VolumeInfo) bool {
		w := second.FindVolume(v.VolID)
		if w == nil {
			t.Fatalf("vol %d missing from second run", v.VolID)
		}
		v.Scan(func(lnum int32, p *PebInfo) bool {
			q, ok := w.Get(lnum)
			if !ok || q.Pnum != p.Pnum {
				t.Fatalf("vol %d lnum %d maps differently across runs", v.VolID, lnum)
			}
			return true
		})
		return true
	})
}
