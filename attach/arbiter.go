package attach

import (
	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// cmpResult is compareLebs's verdict: which copy is newer, whether
// bit-flips were seen on the winner, and whether the loser is corrupted.
type cmpResult struct {
	secondIsNewer bool
	bitflips      bool
	corrupted     bool
}

// compareLebs arbitrates between two PebInfo claiming the same (vol_id,
// lnum): the existing admitted copy (cur) and the one just scanned (cand).
// The bool return is false exactly when the two sqnums are equal — there
// is no basis to choose between the two candidates, so the caller must
// refuse. That includes a zero-sqnum tie from images written before
// sequence numbers existed.
func (ai *Info) compareLebs(cur, cand *PebInfo) (cmpResult, bool, error) {
	if cur.Sqnum == cand.Sqnum {
		return cmpResult{}, false, nil
	}

	winner, secondIsNewer := cur, false
	if cand.Sqnum > cur.Sqnum {
		winner, secondIsNewer = cand, true
	}

	if !winner.CopyFlag {
		// No wear-leveling copy in flight: the higher sqnum is
		// authoritative without a CRC check.
		return cmpResult{secondIsNewer: secondIsNewer, bitflips: winner.Scrub}, true, nil
	}

	match, bitflips, err := ai.verifyCopyCRC(winner)
	if err != nil {
		return cmpResult{}, false, err
	}
	if match {
		return cmpResult{secondIsNewer: secondIsNewer, bitflips: bitflips}, true, nil
	}
	// The provisional winner's data doesn't match its own VID header's
	// data_crc: it's the unfinished destination of a wear-leveling copy
	// that a power cut interrupted. The other side is the real survivor.
	return cmpResult{secondIsNewer: !secondIsNewer, corrupted: true}, true, nil
}

// verifyCopyCRC re-reads p's VID header and data area and checks data_crc:
// a copy-flagged winner is only trusted once its data proves intact. The
// read-then-compare span is held under ai.bufs.mu even though
// flashio.Device hands back a freshly allocated slice per call rather than
// literally reusing a shared scratch buffer.
func (ai *Info) verifyCopyCRC(p *PebInfo) (match, bitflips bool, err error) {
	ai.bufs.mu.Lock()
	defer ai.bufs.mu.Unlock()

	vidh, outcome, err := ai.dev.ReadVIDHeader(p.Pnum)
	if err != nil {
		return false, false, err
	}
	if outcome != flashio.VIDOutcomeOK && outcome != flashio.VIDOutcomeBitflips {
		// The header that admitted this PEB is no longer cleanly readable.
		// Treat it the same as a CRC mismatch rather than a fatal error:
		// this is how a power cut mid-copy surfaces.
		return false, true, nil
	}

	data, dataOutcome, err := ai.dev.ReadData(p.Pnum, 0, int(vidh.DataSize))
	if err != nil {
		return false, false, err
	}
	if dataOutcome == flashio.DataOutcomeEBADMSG {
		return false, true, nil
	}
	bitflips = outcome == flashio.VIDOutcomeBitflips || dataOutcome == flashio.DataOutcomeBitflips

	return ubi.CRC32(data) == vidh.DataCRC, bitflips, nil
}

// admit places a scanned PEB under its volume: find or create the owning
// VolumeInfo, then either claim an empty lnum slot or arbitrate against
// whatever already occupies it.
func (ai *Info) admit(p *PebInfo, vidh *ubi.VIDHeader) error {
	p.VolID = vidh.VolID
	p.LNum = vidh.LNum
	p.Sqnum = vidh.Sqnum

	if vidh.Sqnum > ai.MaxSqnum {
		ai.MaxSqnum = vidh.Sqnum
	}

	v := ai.findOrCreateVolume(vidh)
	if err := ai.checkVolumeCompat(v, vidh, p.Pnum); err != nil {
		return err
	}

	cur, exists := v.Get(p.LNum)
	if !exists {
		v.used.Set(p.LNum, p)
		v.LebCount++
		if p.LNum >= v.HighestLNum {
			v.HighestLNum = p.LNum
			v.LastDataSize = vidh.DataSize
		}
		return nil
	}

	res, ok, err := ai.compareLebs(cur, p)
	if err != nil {
		return err
	}
	if !ok {
		return fatalf(ClassInvalid, p.Pnum,
			"duplicate sqnum %d on vol %d lnum %d (pnum %d and %d)",
			p.Sqnum, p.VolID, p.LNum, cur.Pnum, p.Pnum)
	}

	var loser *PebInfo
	if res.secondIsNewer {
		loser = cur
		v.used.Set(p.LNum, p) // rewrite the tree node in place, preserving position
		if p.LNum == v.HighestLNum {
			v.LastDataSize = vidh.DataSize
		}
		if res.bitflips {
			p.Scrub = true
		}
	} else {
		loser = p
		if res.bitflips {
			cur.Scrub = true
		}
	}
	loser.Scrub = true
	if res.corrupted {
		ai.erase.PushFront(loser)
	} else {
		ai.erase.PushBack(loser)
	}
	return nil
}

// checkVolumeCompat refuses a VID header that disagrees with the volume's
// established identity: type, used_ebs and data_pad must match, and a
// dynamic volume must report zero used_ebs.
func (ai *Info) checkVolumeCompat(v *VolumeInfo, vidh *ubi.VIDHeader, pnum int) error {
	fe := fatalf(ClassInvalid, pnum, "vol %d: VID header inconsistent with volume", vidh.VolID)
	if v.VolType != vidh.VolType {
		fe.withMismatch(FieldMismatch{Field: "vol_type", Have: vidh.VolType, Want: v.VolType})
	}
	if int32(vidh.UsedEBs) != v.UsedEBs {
		fe.withMismatch(FieldMismatch{Field: "used_ebs", Have: vidh.UsedEBs, Want: v.UsedEBs})
	}
	if int32(vidh.DataPad) != v.DataPad {
		fe.withMismatch(FieldMismatch{Field: "data_pad", Have: vidh.DataPad, Want: v.DataPad})
	}
	if len(fe.Mismatches) > 0 {
		return fe
	}
	if vidh.VolType == ubi.VolDynamic && vidh.UsedEBs != 0 {
		return fatalf(ClassInvalid, pnum, "vol %d: dynamic volume reports nonzero used_ebs %d", vidh.VolID, vidh.UsedEBs)
	}
	return nil
}
