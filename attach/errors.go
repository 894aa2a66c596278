package attach

import "fmt"

// ErrClass sorts fatal attach errors into the buckets callers branch on,
// the way kernel code would branch on -EINVAL/-ENOMEM/-ENOSPC.
type ErrClass int

const (
	// ClassInvalid covers image-format violations: version mismatch, EC
	// overflow, duplicate nonzero sqnum, inter-VID inconsistency, an
	// incompatible internal volume (REJECT).
	ClassInvalid ErrClass = iota
	// ClassNoMemory covers allocation failure.
	ClassNoMemory
	// ClassNoSpace covers running out of free PEBs.
	ClassNoSpace
	// ClassRefused covers boot-time policy refusals: too many
	// preserved-corrupt PEBs, or unrecognized non-blank media.
	ClassRefused
)

func (c ErrClass) String() string {
	switch c {
	case ClassInvalid:
		return "invalid"
	case ClassNoMemory:
		return "no-memory"
	case ClassNoSpace:
		return "no-space"
	case ClassRefused:
		return "refused"
	default:
		return "unknown"
	}
}

// FieldMismatch records one field that disagreed between a VID header and
// the VolumeInfo it must be consistent with, so a rejected image reports
// every mismatched field instead of a single boolean.
type FieldMismatch struct {
	Field string
	Have  any
	Want  any
}

// FatalError is returned by any attach operation that must abort the whole
// attach call. The driver tears the partial Info down before returning it,
// so no half-built attach info ever escapes.
type FatalError struct {
	Class      ErrClass
	Pnum       int // -1 if not PEB-specific
	Reason     string
	Mismatches []FieldMismatch
	Cause      error
}

func (e *FatalError) Error() string {
	if e.Pnum >= 0 {
		return fmt.Sprintf("attach: %s: pnum %d: %s", e.Class, e.Pnum, e.Reason)
	}
	return fmt.Sprintf("attach: %s: %s", e.Class, e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Cause }

func fatalf(class ErrClass, pnum int, format string, args ...any) *FatalError {
	return &FatalError{Class: class, Pnum: pnum, Reason: fmt.Sprintf(format, args...)}
}

// withMismatch appends a field-level mismatch record and returns e, for
// chaining onto fatalf at the call site.
func (e *FatalError) withMismatch(m FieldMismatch) *FatalError {
	e.Mismatches = append(e.Mismatches, m)
	return e
}
