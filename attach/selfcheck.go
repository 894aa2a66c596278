package attach

import (
	"fmt"

	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// SelfCheck walks the built Info and verifies its structural invariants:
// pnum range, EC range, vols_found, static/dynamic lnum bounds, a
// from-flash re-verify of every winner's VID header, and a final
// bitmap-coverage assertion that every good PEB is referenced exactly
// once. It re-reads one VID header per admitted PEB, so it is expensive;
// callers gate it behind Config.SelfCheckEnabled.
func (ai *Info) SelfCheck() error {
	seen := make([]bool, ai.dev.PEBCount())

	mark := func(pnum int) error {
		if pnum < 0 || pnum >= len(seen) {
			return fmt.Errorf("attach: self-check: pnum %d out of range", pnum)
		}
		if seen[pnum] {
			return fmt.Errorf("attach: self-check: pnum %d referenced more than once", pnum)
		}
		seen[pnum] = true
		return nil
	}

	checkEC := func(p *PebInfo) error {
		if p.EC < ai.MinEC || p.EC > ai.MaxEC {
			return fmt.Errorf("attach: self-check: pnum %d ec %d outside [%d,%d]", p.Pnum, p.EC, ai.MinEC, ai.MaxEC)
		}
		return nil
	}

	var err error
	checkList := func(pl *pebList) {
		pl.Apply(func(p *PebInfo) {
			if err != nil {
				return
			}
			if e := mark(p.Pnum); e != nil {
				err = e
				return
			}
			if e := checkEC(p); e != nil {
				err = e
			}
		})
	}
	for _, pl := range []*pebList{ai.free, ai.erase, ai.corr, ai.alien, ai.waiting} {
		checkList(pl)
		if err != nil {
			return err
		}
	}

	volsFound := 0
	ai.Volumes(func(v *VolumeInfo) bool {
		volsFound++
		v.Scan(func(lnum int32, p *PebInfo) bool {
			if e := mark(p.Pnum); e != nil {
				err = e
				return false
			}
			if e := checkEC(p); e != nil {
				err = e
				return false
			}
			if v.VolType == ubi.VolStatic && lnum >= v.UsedEBs {
				err = fmt.Errorf("attach: self-check: vol %d: bad lnum %d for used_ebs %d", v.VolID, lnum, v.UsedEBs)
				return false
			}
			if v.VolType == ubi.VolDynamic && v.UsedEBs != 0 {
				err = fmt.Errorf("attach: self-check: vol %d: dynamic volume has nonzero used_ebs %d", v.VolID, v.UsedEBs)
				return false
			}

			vidh, outcome, rerr := ai.dev.ReadVIDHeader(p.Pnum)
			if rerr != nil {
				err = rerr
				return false
			}
			if outcome != flashio.VIDOutcomeOK && outcome != flashio.VIDOutcomeBitflips {
				err = fmt.Errorf("attach: self-check: pnum %d: VID header unreadable on re-check", p.Pnum)
				return false
			}
			if vidh.Sqnum != p.Sqnum || vidh.VolID != v.VolID || vidh.LNum != lnum ||
				int32(vidh.UsedEBs) != v.UsedEBs || int32(vidh.DataPad) != v.DataPad ||
				vidh.Compat != v.Compat || vidh.VolType != v.VolType {
				err = fmt.Errorf("attach: self-check: pnum %d: on-flash VID header disagrees with stored PebInfo", p.Pnum)
				return false
			}
			return true
		})
		return err == nil
	})
	if err != nil {
		return err
	}
	if volsFound != ai.VolsFound {
		return fmt.Errorf("attach: self-check: vols_found %d != tracked %d", volsFound, ai.VolsFound)
	}

	for pnum := 0; pnum < len(seen); pnum++ {
		if seen[pnum] {
			continue
		}
		bad, berr := ai.dev.IsBad(pnum)
		if berr != nil {
			return berr
		}
		if !bad {
			return fmt.Errorf("attach: self-check: pnum %d not referenced by any list or tree", pnum)
		}
	}
	return nil
}
