// Package attach implements the UBI attach/scan core: given a flash
// partition divided into physical eraseblocks, it reads every PEB's EC and
// VID headers and synthesizes the in-memory map of which PEB backs each
// logical eraseblock of each logical volume.
package attach

import (
	"math"

	"github.com/tidwall/btree"

	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// PebInfo is the per-physical-eraseblock record. A PebInfo lives in
// exactly one place: either one of Info's five lists, or exactly one
// VolumeInfo's used tree. Callers must not hold onto one across an admit
// call that might reclassify it.
type PebInfo struct {
	Pnum     int
	VolID    int32
	LNum     int32
	EC       int64 // ubi.UnknownEC until read or fill-in
	Sqnum    uint64
	Scrub    bool // read with bit-flips; move later
	CopyFlag bool // VID header said "wear-leveling copy"
}

// VolumeInfo is the per-logical-volume record. used is keyed by lnum and
// ordered, because downstream consumers iterate LEBs in lnum order — a
// *btree.Map rather than a plain Go map, which has no iteration-order
// guarantee.
type VolumeInfo struct {
	VolID        int32
	VolType      ubi.VolType
	UsedEBs      int32 // declared LEB count; static only, dynamic must be zero
	DataPad      int32
	Compat       ubi.Compat
	HighestLNum  int32
	LastDataSize uint32
	LebCount     int32

	used *btree.Map[int32, *PebInfo]
}

func newVolumeInfo(vid *ubi.VIDHeader) *VolumeInfo {
	return &VolumeInfo{
		VolID:   vid.VolID,
		VolType: vid.VolType,
		UsedEBs: int32(vid.UsedEBs),
		DataPad: int32(vid.DataPad),
		Compat:  vid.Compat,
		used:    btree.NewMap[int32, *PebInfo](32),
	}
}

// Get returns the PebInfo backing lnum, if any.
func (v *VolumeInfo) Get(lnum int32) (*PebInfo, bool) {
	return v.used.Get(lnum)
}

// Scan calls f for every (lnum, PebInfo) pair in ascending lnum order.
func (v *VolumeInfo) Scan(f func(lnum int32, p *PebInfo) bool) {
	v.used.Scan(f)
}

func (v *VolumeInfo) Len() int { return v.used.Len() }

// Info is the root attach-info object. It is built once by Attach/ScanAll
// and handed off read-only to downstream collaborators (the volume-table
// reader, wear-leveling, the erase-block-association layer); nothing
// mutates it after that handoff.
type Info struct {
	volumes *btree.Map[int32, *VolumeInfo]

	free    *pebList
	erase   *pebList
	corr    *pebList
	alien   *pebList
	waiting *pebList

	arena *pebArena

	BadPebCount      int
	AlienPebCount    int
	CorrPebCount     int
	EmptyPebCount    int
	MaybeBadPebCount int
	VolsFound        int

	ecSum   int64
	ecCount int64
	MinEC   int64
	MaxEC   int64
	MeanEC  int64

	MaxSqnum uint64
	IsEmpty  bool

	ImageSeq    uint32
	imageSeqSet bool

	ReadOnly       bool
	ReadOnlyReason error

	cfg     Config
	dev     flashio.Device
	metrics *Metrics
	bufs    scanBufs
}

func newInfo(dev flashio.Device, cfg Config) *Info {
	ai := &Info{
		volumes: btree.NewMap[int32, *VolumeInfo](32),
		free:    newPebList(),
		erase:   newPebList(),
		corr:    newPebList(),
		alien:   newPebList(),
		waiting: newPebList(),
		arena:   newPebArena(dev.PEBCount()),
		MinEC:   ubi.MaxEC,
		MaxEC:   0,
		cfg:     cfg,
		dev:     dev,
	}
	if cfg.MetricsEnabled {
		ai.metrics = newMetrics()
	}
	return ai
}

// Close releases the arena backing every PebInfo this Info owns. Safe to
// call once handoff to downstream collaborators is complete; Info is
// destroyed as a single unit.
func (ai *Info) Close() {
	ai.arena.close()
}

// FindVolume returns the VolumeInfo for volID, or nil.
func (ai *Info) FindVolume(volID int32) *VolumeInfo {
	v, ok := ai.volumes.Get(volID)
	if !ok {
		return nil
	}
	return v
}

func (ai *Info) findOrCreateVolume(vid *ubi.VIDHeader) *VolumeInfo {
	if v, ok := ai.volumes.Get(vid.VolID); ok {
		return v
	}
	v := newVolumeInfo(vid)
	ai.volumes.Set(vid.VolID, v)
	ai.VolsFound++
	return v
}

// Volumes calls f for every VolumeInfo in ascending vol_id order.
func (ai *Info) Volumes(f func(v *VolumeInfo) bool) {
	ai.volumes.Scan(func(_ int32, v *VolumeInfo) bool { return f(v) })
}

// Free, Erase, Corrupt, and Alien return read-only snapshots of the
// corresponding PEB lists.
func (ai *Info) Free() []*PebInfo    { return ai.free.Slice() }
func (ai *Info) Erase() []*PebInfo   { return ai.erase.Slice() }
func (ai *Info) Corrupt() []*PebInfo { return ai.corr.Slice() }
func (ai *Info) Alien() []*PebInfo   { return ai.alien.Slice() }
func (ai *Info) Waiting() []*PebInfo { return ai.waiting.Slice() }

func (ai *Info) updateECStats(ec int64) error {
	if ec == ubi.UnknownEC {
		return nil
	}
	// MAX_EC * a realistic PEB count fits comfortably in int64, but a
	// pathological device or a fuzzed header stream must not be able to
	// wrap the accumulator: an overflowed sum would wrap negative and yield
	// a meaningless mean, which fill-in would then stamp onto every
	// unknown-EC PEB.
	if ai.ecSum > math.MaxInt64-ec {
		return fatalf(ClassInvalid, -1, "erase-counter sum overflows at ec %d", ec)
	}
	ai.ecSum += ec
	ai.ecCount++
	if ec < ai.MinEC {
		ai.MinEC = ec
	}
	if ec > ai.MaxEC {
		ai.MaxEC = ec
	}
	return nil
}
