package flashio

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/flashlayer/ubiattach/ubi"
)

// DefaultVIDHdrOffset and DefaultDataOffset pack the three on-PEB regions
// back to back: the VID header right after the 64-byte EC header, the data
// area right after the 64-byte VID header. FileDevice doesn't care about
// NAND page geometry, it just needs a fixed split within each PEB.
const (
	DefaultVIDHdrOffset = 64
	DefaultDataOffset   = 128
)

// Fault lets a test force a specific outcome for a given pnum, the way a
// real NAND controller's ECC engine would report a failing read without
// this package needing to actually corrupt bytes on disk.
type Fault struct {
	EC   ECOutcome
	VID  VIDOutcome
	Data DataOutcome
	Bad  bool
}

// FileDevice is a Device backed by a single *os.File standing in for a raw
// flash partition: one PEB per pebSize-byte slot, EC header at offset 0,
// VID header at vidOff, data from dataOff to pebSize. A single mutex
// around Seek-then-Read/Write is enough; attach has no async write path to
// model, every call it makes is synchronous.
type FileDevice struct {
	mu      sync.Mutex
	f       *os.File
	pebCnt  int
	pebSz   int
	vidOff  int
	dataOff int

	faults map[int]Fault
}

// NewFileDevice opens (or creates) path and sizes it for pebCount PEBs of
// pebSize bytes each.
func NewFileDevice(path string, pebCount, pebSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	total := int64(pebCount) * int64(pebSize)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, err
	}
	// Flash reads as 0xFF in its erased state, not the zero-fill a fresh
	// sparse file would otherwise give every PEB.
	blank := bytes.Repeat([]byte{0xFF}, pebSize)
	for pnum := 0; pnum < pebCount; pnum++ {
		if _, err := f.WriteAt(blank, int64(pnum)*int64(pebSize)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileDevice{
		f:       f,
		pebCnt:  pebCount,
		pebSz:   pebSize,
		vidOff:  DefaultVIDHdrOffset,
		dataOff: DefaultDataOffset,
		faults:  make(map[int]Fault),
	}, nil
}

// OpenFileDevice attaches to an existing image at path without blanking
// it, deriving the PEB count from the file size. The image must be an
// exact multiple of pebSize, the way NewFileDevice or mkubi would have
// left it.
func OpenFileDevice(path string, pebSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if pebSize <= 0 || st.Size()%int64(pebSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("flashio: image size %d is not a multiple of PEB size %d", st.Size(), pebSize)
	}
	return &FileDevice{
		f:       f,
		pebCnt:  int(st.Size() / int64(pebSize)),
		pebSz:   pebSize,
		vidOff:  DefaultVIDHdrOffset,
		dataOff: DefaultDataOffset,
		faults:  make(map[int]Fault),
	}, nil
}

// Close releases the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// SetFault installs a forced outcome for pnum; used by scenario tests to
// reproduce BITFLIPS/BAD_HDR/ECC conditions deterministically.
func (d *FileDevice) SetFault(pnum int, f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[pnum] = f
}

func (d *FileDevice) PEBCount() int     { return d.pebCnt }
func (d *FileDevice) PEBSize() int      { return d.pebSz }
func (d *FileDevice) VIDHdrOffset() int { return d.vidOff }
func (d *FileDevice) DataOffset() int   { return d.dataOff }

func (d *FileDevice) seek(off int64) error {
	_, err := d.f.Seek(off, 0)
	return err
}

func (d *FileDevice) pebOffset(pnum int) int64 {
	return int64(pnum) * int64(d.pebSz)
}

func (d *FileDevice) IsBad(pnum int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faults[pnum].Bad, nil
}

func (d *FileDevice) ReadECHeader(pnum int) (*ubi.ECHeader, ECOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A forced BITFLIPS outcome still delivers the header read from disk.
	fault := d.faults[pnum]
	if fault.EC != ECOutcomeOK && fault.EC != ECOutcomeBitflips {
		return nil, fault.EC, nil
	}

	if err := d.seek(d.pebOffset(pnum)); err != nil {
		return nil, ECOutcomeBadHdrEBADMSG, err
	}
	buf := make([]byte, ubi.ECHeaderSize)
	if _, err := d.f.Read(buf); err != nil {
		return nil, ECOutcomeBadHdrEBADMSG, err
	}
	if allFF(buf) {
		return nil, ECOutcomeFF, nil
	}
	h, err := ubi.UnmarshalECHeader(buf)
	if err != nil {
		return nil, ECOutcomeBadHdr, nil
	}
	return h, fault.EC, nil
}

func (d *FileDevice) ReadVIDHeader(pnum int) (*ubi.VIDHeader, VIDOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fault := d.faults[pnum]
	if fault.VID != VIDOutcomeOK && fault.VID != VIDOutcomeBitflips {
		return nil, fault.VID, nil
	}

	if err := d.seek(d.pebOffset(pnum) + int64(d.vidOff)); err != nil {
		return nil, VIDOutcomeBadHdrEBADMSG, err
	}
	buf := make([]byte, ubi.VIDHeaderSize)
	if _, err := d.f.Read(buf); err != nil {
		return nil, VIDOutcomeBadHdrEBADMSG, err
	}
	if allFF(buf) {
		return nil, VIDOutcomeFF, nil
	}
	v, err := ubi.UnmarshalVIDHeader(buf)
	if err != nil {
		return nil, VIDOutcomeBadHdr, nil
	}
	return v, fault.VID, nil
}

func (d *FileDevice) ReadData(pnum int, offset, length int) ([]byte, DataOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fault := d.faults[pnum]
	if fault.Data != DataOutcomeOK && fault.Data != DataOutcomeBitflips {
		return nil, fault.Data, nil
	}

	if err := d.seek(d.pebOffset(pnum) + int64(d.dataOff) + int64(offset)); err != nil {
		return nil, DataOutcomeEBADMSG, err
	}
	buf := make([]byte, length)
	if _, err := d.f.Read(buf); err != nil {
		return nil, DataOutcomeEBADMSG, err
	}
	return buf, fault.Data, nil
}

func (d *FileDevice) SyncErase(pnum int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.seek(d.pebOffset(pnum)); err != nil {
		return err
	}
	blank := bytes.Repeat([]byte{0xFF}, d.pebSz)
	if _, err := d.f.Write(blank); err != nil {
		return err
	}
	return d.f.Sync()
}

func (d *FileDevice) WriteECHeader(pnum int, h *ubi.ECHeader) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return d.writeAt(d.pebOffset(pnum), buf)
}

func (d *FileDevice) WriteVIDHeader(pnum int, h *ubi.VIDHeader) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return d.writeAt(d.pebOffset(pnum)+int64(d.vidOff), buf)
}

func (d *FileDevice) WriteData(pnum int, offset int, data []byte) error {
	return d.writeAt(d.pebOffset(pnum)+int64(d.dataOff)+int64(offset), data)
}

func (d *FileDevice) writeAt(off int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.seek(off); err != nil {
		return err
	}
	n, err := d.f.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("flashio: short write: %d of %d bytes", n, len(buf))
	}
	return nil
}

func allFF(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}
