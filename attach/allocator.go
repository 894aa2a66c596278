package attach

import "github.com/flashlayer/ubiattach/ubi"

// EarlyGetPEB is the only way to obtain a fresh PEB during attach, before
// the wear-leveler exists. It prefers the head of the free list; failing
// that it walks the erase list,
// synchronously erasing each candidate and writing a fresh EC header
// (ec+1, or mean_ec seeded in if the candidate's own EC was unknown),
// returning the first one that succeeds. Exhaustion reports ClassNoSpace.
func (ai *Info) EarlyGetPEB() (*PebInfo, error) {
	if p := ai.free.PopFront(); p != nil {
		return p, nil
	}

	for {
		p := ai.erase.PopFront()
		if p == nil {
			return nil, fatalf(ClassNoSpace, -1, "no free PEBs available during attach")
		}

		ec := p.EC
		if ec == ubi.UnknownEC {
			ec = ai.MeanEC
		}
		ec++

		if err := ai.dev.SyncErase(p.Pnum); err != nil {
			continue
		}
		hdr := &ubi.ECHeader{
			Version:      eccVersion,
			EC:           uint64(ec),
			VIDHdrOffset: uint32(ai.dev.VIDHdrOffset()),
			DataOffset:   uint32(ai.dev.DataOffset()),
			ImageSeq:     ai.ImageSeq,
		}
		if err := ai.dev.WriteECHeader(p.Pnum, hdr); err != nil {
			continue
		}

		p.EC = ec
		p.VolID = 0
		p.LNum = 0
		p.Sqnum = 0
		p.Scrub = false
		p.CopyFlag = false
		return p, nil
	}
}
