// Package flashio defines the I/O interface the attach/scan core reads
// and writes flash through, and a file-backed implementation for tests,
// fixtures, and the mkubi/ubiattach tools.
//
// Real MTD/NAND access and ECC reporting live elsewhere; this package only
// pins down the shape the attach core needs to drive them.
package flashio

import "github.com/flashlayer/ubiattach/ubi"

// ECOutcome enumerates the results an EC-header read can report.
type ECOutcome int

const (
	ECOutcomeOK ECOutcome = iota
	ECOutcomeBitflips
	ECOutcomeFF
	ECOutcomeFFBitflips
	ECOutcomeBadHdr
	ECOutcomeBadHdrEBADMSG
)

// VIDOutcome enumerates the results a VID-header read can report.
type VIDOutcome int

const (
	VIDOutcomeOK VIDOutcome = iota
	VIDOutcomeBitflips
	VIDOutcomeFF
	VIDOutcomeFFBitflips
	VIDOutcomeBadHdr
	VIDOutcomeBadHdrEBADMSG
)

// DataOutcome enumerates the results of a data-area read: clean, read
// with corrected bit-flips, or an uncorrectable ECC error.
type DataOutcome int

const (
	DataOutcomeOK DataOutcome = iota
	DataOutcomeBitflips
	DataOutcomeEBADMSG
)

// Device is the set of calls the attach/scan core makes against raw
// flash. Every method is synchronous; the core never calls these
// concurrently within one attach run.
type Device interface {
	PEBCount() int
	PEBSize() int

	// VIDHdrOffset and DataOffset are the device-wide geometry constants
	// every PEB's EC header also carries; attach needs them itself when
	// it writes a fresh EC header during attach-time allocation and
	// backup recovery, where there is no existing header to copy them
	// from.
	VIDHdrOffset() int
	DataOffset() int

	IsBad(pnum int) (bool, error)
	ReadECHeader(pnum int) (*ubi.ECHeader, ECOutcome, error)
	ReadVIDHeader(pnum int) (*ubi.VIDHeader, VIDOutcome, error)
	ReadData(pnum int, offset, length int) ([]byte, DataOutcome, error)

	SyncErase(pnum int) error
	WriteECHeader(pnum int, h *ubi.ECHeader) error
	WriteVIDHeader(pnum int, h *ubi.VIDHeader) error
	WriteData(pnum int, offset int, data []byte) error
}
