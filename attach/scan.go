package attach

import (
	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// eccVersion is the only on-flash UBI version this implementation
// understands; any other version is fatal.
const eccVersion = 1

// scanPEB classifies one PEB, mutating ai in place. It returns a non-nil
// *FatalError only for image-format violations; every other outcome is
// absorbed into a list append or a logged warning.
func (ai *Info) scanPEB(pnum int) error {
	log := ai.cfg.logger()

	bad, err := ai.dev.IsBad(pnum)
	if err != nil {
		return err
	}
	if bad {
		ai.BadPebCount++
		return nil
	}

	ech, ecOutcome, err := ai.dev.ReadECHeader(pnum)
	if err != nil {
		return err
	}

	var (
		ec        int64 = ubi.UnknownEC
		imageSeq  uint32
		bitflips  bool
		ecErr     bool
		ecErrKind flashio.ECOutcome
	)

	switch ecOutcome {
	case flashio.ECOutcomeOK, flashio.ECOutcomeBitflips:
		if ecOutcome == flashio.ECOutcomeBitflips {
			bitflips = true
			log.Warnf("pnum %d: bit-flips while reading EC header", pnum)
		}
		if ech.Version != eccVersion {
			return fatalf(ClassInvalid, pnum, "EC header version %d != %d", ech.Version, eccVersion)
		}
		// ech.EC is still the full unsigned on-flash value here; narrowing
		// to int64 before this check would let a header with bit 63 set
		// slip through as a negative (or sentinel) erase counter.
		if ech.EC > uint64(ubi.MaxEC) {
			return fatalf(ClassInvalid, pnum, "erase counter %d exceeds MAX_EC", ech.EC)
		}
		ec = int64(ech.EC)
		imageSeq = ech.ImageSeq
		if err := ai.observeImageSeq(imageSeq, pnum); err != nil {
			return err
		}

	case flashio.ECOutcomeFF, flashio.ECOutcomeFFBitflips:
		ai.EmptyPebCount++
		p := ai.arena.alloc(pnum)
		ai.erase.PushBack(p)
		return nil

	case flashio.ECOutcomeBadHdr, flashio.ECOutcomeBadHdrEBADMSG:
		ecErr = true
		ecErrKind = ecOutcome
		bitflips = true
		log.Warnf("pnum %d: EC header corrupt, reading VID anyway", pnum)

	default:
		return fatalf(ClassInvalid, pnum, "unrecognized EC outcome %v", ecOutcome)
	}

	vidh, vidOutcome, err := ai.dev.ReadVIDHeader(pnum)
	if err != nil {
		return err
	}

	switch vidOutcome {
	case flashio.VIDOutcomeOK:
		// valid header; dispatched below.

	case flashio.VIDOutcomeBitflips:
		bitflips = true
		log.Warnf("pnum %d: bit-flips while reading VID header", pnum)

	case flashio.VIDOutcomeBadHdrEBADMSG:
		if ecErr && ecErrKind == flashio.ECOutcomeBadHdrEBADMSG {
			ai.MaybeBadPebCount++
		}
		return ai.routeVIDBadHdr(pnum, ecErr, ec, log)

	case flashio.VIDOutcomeBadHdr:
		return ai.routeVIDBadHdr(pnum, ecErr, ec, log)

	case flashio.VIDOutcomeFF:
		p := ai.arena.alloc(pnum)
		p.EC = ec
		if ecErr || bitflips {
			p.Scrub = true
			ai.erase.PushFront(p)
		} else {
			ai.free.PushBack(p)
		}
		return ai.updateECStats(ec)

	case flashio.VIDOutcomeFFBitflips:
		log.Warnf("pnum %d: bit-flips in erased VID area", pnum)
		p := ai.arena.alloc(pnum)
		p.EC = ec
		p.Scrub = true
		ai.erase.PushFront(p)
		return ai.updateECStats(ec)

	default:
		return fatalf(ClassInvalid, pnum, "unrecognized VID outcome %v", vidOutcome)
	}

	// Valid VID header in hand. Internal volumes this
	// implementation maintains itself (fastmap, shadow backup) skip the
	// compat dispatch and are admitted below, so backup recovery and the
	// fastmap anchor scan can find them in a used tree.
	if ubi.IsInternal(vidh.VolID) && !ubi.IsManagedInternal(vidh.VolID) {
		switch vidh.Compat {
		case ubi.CompatDelete:
			p := ai.arena.alloc(pnum)
			p.EC = ec
			ai.erase.PushBack(p)
			return ai.updateECStats(ec)
		case ubi.CompatRO:
			ai.ReadOnly = true
			ai.ReadOnlyReason = fatalf(ClassInvalid, pnum, "internal volume %d requires read-only mode", vidh.VolID)
			// fall through to admit.
		case ubi.CompatPreserve:
			p := ai.arena.alloc(pnum)
			p.EC = ec
			p.VolID = vidh.VolID
			p.LNum = vidh.LNum
			p.Sqnum = vidh.Sqnum
			ai.alien.PushBack(p)
			ai.AlienPebCount++
			return ai.updateECStats(ec)
		case ubi.CompatReject:
			return fatalf(ClassInvalid, pnum, "internal volume %d has incompatible REJECT compat", vidh.VolID)
		default:
			return fatalf(ClassInvalid, pnum, "internal volume %d has unknown compat %d", vidh.VolID, vidh.Compat)
		}
	}

	p := ai.arena.alloc(pnum)
	p.EC = ec
	p.Scrub = bitflips || ecErr
	p.CopyFlag = vidh.CopyFlag

	if err := ai.admit(p, vidh); err != nil {
		return err
	}

	return ai.updateECStats(ec)
}

// routeVIDBadHdr handles a PEB whose VID header is unreadable: if the EC
// header was also bad, just schedule erase; otherwise consult the
// corruption classifier. ec is the already-known erase counter (the EC
// header read fine in this path) and is preserved on the resulting PebInfo
// rather than left unknown.
func (ai *Info) routeVIDBadHdr(pnum int, ecErr bool, ec int64, log Logger) error {
	if ecErr {
		p := ai.arena.alloc(pnum)
		ai.erase.PushBack(p)
		return nil
	}

	verdict, err := ai.classifyCorruption(pnum)
	if err != nil {
		return err
	}

	p := ai.arena.alloc(pnum)
	p.EC = ec
	switch verdict {
	case corruptionPowerCut:
		if ai.cfg.BackupRecoveryEnabled {
			ai.waiting.PushBack(p)
		} else {
			ai.erase.PushBack(p)
		}
	case corruptionUnknown:
		ai.corr.PushBack(p)
		ai.CorrPebCount++
		log.Warnf("pnum %d: unknown corruption, preserving on corr list", pnum)
	}
	// The EC header read fine on this path, so the erase counter still
	// feeds the statistics; the min/max EC bounds must cover every
	// PebInfo, not just the admitted ones.
	return ai.updateECStats(ec)
}

// observeImageSeq establishes the device-wide image_seq on the first
// nonzero sighting and enforces that every later nonzero image_seq matches
// it. A zero image_seq is tolerated and never establishes the value:
// images written before the field existed carry zeroes.
func (ai *Info) observeImageSeq(seq uint32, pnum int) error {
	if seq == 0 {
		return nil
	}
	if !ai.imageSeqSet {
		ai.ImageSeq = seq
		ai.imageSeqSet = true
		return nil
	}
	if seq == ai.ImageSeq {
		return nil
	}
	return fatalf(ClassInvalid, pnum, "image_seq %d != device image_seq %d", seq, ai.ImageSeq)
}
