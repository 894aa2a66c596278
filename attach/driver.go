package attach

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// Attach is the public entry point: scan every PEB on dev, arbitrate the
// winning copy of each logical eraseblock, and return the resulting Info.
// On any fatal condition the partially-built Info is torn down and only
// the error is returned — no partial attach info is ever exposed.
func Attach(ctx context.Context, dev flashio.Device, cfg Config) (*Info, error) {
	if cfg.FastmapEnabled && cfg.FastmapParser != nil {
		if ai, ok, err := tryFastmap(ctx, dev, cfg); err != nil {
			return nil, err
		} else if ok {
			return ai, nil
		}
	}
	return ScanAll(ctx, dev, cfg)
}

// ScanAll runs the unconditional full scan, bypassing any fastmap
// interaction. Exported so callers (and the fastmap fallback path itself)
// can force it.
func ScanAll(ctx context.Context, dev flashio.Device, cfg Config) (*Info, error) {
	ai := newInfo(dev, cfg)

	for pnum := 0; pnum < dev.PEBCount(); pnum++ {
		select {
		case <-ctx.Done():
			ai.Close()
			return nil, ctx.Err()
		default:
		}

		if err := ai.scanPEB(pnum); err != nil {
			ai.Close()
			return nil, err
		}
		if ai.metrics != nil {
			ai.metrics.PEBsScanned.Inc()
		}
		if cfg.Yield != nil {
			cfg.Yield()
		}
	}

	if err := ai.lateAnalysis(); err != nil {
		ai.Close()
		return nil, err
	}

	if cfg.BackupRecoveryEnabled {
		if err := ai.recoverBackups(ctx); err != nil {
			ai.Close()
			return nil, err
		}
	}

	if cfg.SelfCheckEnabled {
		if err := ai.SelfCheck(); err != nil {
			ai.Close()
			return nil, err
		}
	}

	ai.publishMetrics()
	return ai, nil
}

// lateAnalysis runs after every PEB is classified: compute the mean EC,
// decide whether the media is blank or too damaged to trust, then fill in
// unknown ECs.
func (ai *Info) lateAnalysis() error {
	if ai.ecCount > 0 {
		ai.MeanEC = ai.ecSum / ai.ecCount
	} else {
		ai.MeanEC = 0
	}

	// Policy checks run against peb_count' = peb_count - bad - alien.
	pebCountPrime := ai.dev.PEBCount() - ai.BadPebCount - ai.AlienPebCount

	corrThreshold := pebCountPrime / ai.cfg.maxCorrFraction()
	if corrThreshold < ai.cfg.maxCorrFloor() {
		corrThreshold = ai.cfg.maxCorrFloor()
	}
	if ai.CorrPebCount >= corrThreshold {
		return fatalf(ClassRefused, -1,
			"too many corrupt PEBs: %d >= threshold %d", ai.CorrPebCount, corrThreshold)
	}

	if ai.EmptyPebCount+ai.MaybeBadPebCount == pebCountPrime {
		if ai.MaybeBadPebCount <= ai.cfg.maxMaybeBad() {
			ai.IsEmpty = true
			if !ai.imageSeqSet {
				seq, err := randomImageSeq()
				if err != nil {
					return err
				}
				ai.ImageSeq = seq
				ai.imageSeqSet = true
			}
		} else {
			return fatalf(ClassRefused, -1,
				"blank-looking media has %d maybe-bad PEBs, refusing unknown non-UBI content", ai.MaybeBadPebCount)
		}
	}

	// Fill in every PebInfo whose EC could not be read, across all lists
	// and every volume's used tree.
	fillIfUnknown := func(p *PebInfo) {
		if p.EC == ubi.UnknownEC {
			p.EC = ai.MeanEC
		}
	}
	ai.free.Apply(fillIfUnknown)
	ai.erase.Apply(fillIfUnknown)
	ai.corr.Apply(fillIfUnknown)
	ai.alien.Apply(fillIfUnknown)
	ai.waiting.Apply(fillIfUnknown)
	ai.Volumes(func(v *VolumeInfo) bool {
		v.Scan(func(_ int32, p *PebInfo) bool {
			fillIfUnknown(p)
			return true
		})
		return true
	})
	if ai.ecCount == 0 {
		ai.MinEC = ai.MeanEC
		ai.MaxEC = ai.MeanEC
	}

	return nil
}

// randomImageSeq draws a fresh nonzero image_seq for blank media. A
// zero-valued seq would make every freshly formatted device on a fleet
// indistinguishable.
func randomImageSeq() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	seq := binary.BigEndian.Uint32(buf[:])
	if seq == 0 {
		seq = 1
	}
	return seq, nil
}
