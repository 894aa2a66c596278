package attach

import (
	"context"

	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// fmMaxStart bounds the region scanned while looking for a fastmap
// anchor. A fastmap is always written near the front of the device, so a
// fixed PEB count stands in for deriving the bound from the fastmap's own
// maximum on-flash size.
const fmMaxStart = 64

// tryFastmap scans only [0, fmMaxStart) looking for the PEB with the
// greatest sqnum among those claiming the fastmap super-block volume (the
// "anchor"), then hands it to the configured FastmapParser. A parse
// failure or missing anchor falls back to the full scan — the caller
// (Attach) runs that fallback itself when tryFastmap reports ok=false.
func tryFastmap(ctx context.Context, dev flashio.Device, cfg Config) (*Info, bool, error) {
	limit := fmMaxStart
	if limit > dev.PEBCount() {
		limit = dev.PEBCount()
	}

	var anchorPnum int = -1
	var anchorSqnum uint64

	for pnum := 0; pnum < limit; pnum++ {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}

		bad, err := dev.IsBad(pnum)
		if err != nil {
			return nil, false, err
		}
		if bad {
			continue
		}
		_, ecOutcome, err := dev.ReadECHeader(pnum)
		if err != nil {
			return nil, false, err
		}
		if ecOutcome != flashio.ECOutcomeOK && ecOutcome != flashio.ECOutcomeBitflips {
			continue
		}
		vidh, vidOutcome, err := dev.ReadVIDHeader(pnum)
		if err != nil {
			return nil, false, err
		}
		if vidOutcome != flashio.VIDOutcomeOK && vidOutcome != flashio.VIDOutcomeBitflips {
			continue
		}
		if vidh.VolID != ubi.FastmapSBVolID {
			continue
		}
		if anchorPnum < 0 || vidh.Sqnum > anchorSqnum {
			anchorPnum = pnum
			anchorSqnum = vidh.Sqnum
		}
	}

	if anchorPnum < 0 {
		// No anchor found at all: fall back to a full scan from 0.
		return nil, false, nil
	}

	ai, err := cfg.FastmapParser.Parse(anchorPnum)
	if err != nil {
		// Fastmap present but invalid: restart the full scan from 0.
		return nil, false, nil
	}
	return ai, true, nil
}
