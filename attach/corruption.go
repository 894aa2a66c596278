package attach

import "github.com/flashlayer/ubiattach/flashio"

// corruptionVerdict is classifyCorruption's output.
type corruptionVerdict int

const (
	// corruptionPowerCut means the data area reads as either an ECC/bitflip
	// error or all 0xFF — consistent with a write that was interrupted
	// mid-flight and never completed.
	corruptionPowerCut corruptionVerdict = iota
	// corruptionUnknown means the data area read back clean but the VID
	// header was still unusable; the PEB is preserved rather than erased,
	// since whatever damaged it isn't explained by a simple power cut.
	corruptionUnknown
)

// classifyCorruption reads the PEB's data area and decides
// whether the damage looks like an interrupted write (safe to erase) or
// something else (preserve for inspection).
func (ai *Info) classifyCorruption(pnum int) (corruptionVerdict, error) {
	ai.bufs.mu.Lock()
	data, outcome, err := ai.dev.ReadData(pnum, 0, ai.dev.PEBSize()-ai.dev.DataOffset())
	ai.bufs.mu.Unlock()
	if err != nil {
		return corruptionUnknown, err
	}
	switch outcome {
	case flashio.DataOutcomeBitflips, flashio.DataOutcomeEBADMSG:
		return corruptionPowerCut, nil
	case flashio.DataOutcomeOK:
		if allFF(data) {
			return corruptionPowerCut, nil
		}
		return corruptionUnknown, nil
	default:
		return corruptionUnknown, nil
	}
}

func allFF(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}
