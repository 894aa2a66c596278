package attach

// Config carries the attach knobs that a kernel build would fix at compile
// time (fastmap, backup recovery, debug self-check) as ordinary struct
// fields, since this is a library call, not a kernel built against one
// CONFIG_* set.
type Config struct {
	// MaxCorrFraction and MaxCorrFloor set the late-analysis refusal
	// threshold: attach refuses if corr_peb_count >=
	// max(peb_count'/MaxCorrFraction, MaxCorrFloor). Zero values default
	// to 20 and 8.
	MaxCorrFraction int
	MaxCorrFloor    int

	// MaxMaybeBad bounds how many "maybe about to die" PEBs are tolerated
	// on blank-looking media before refusing to treat it as empty. Zero
	// defaults to 2.
	MaxMaybeBad int

	// FastmapEnabled turns on the fast-attach anchor scan. Disabled by
	// default: the fastmap format parser is an external collaborator this
	// module does not implement.
	FastmapEnabled bool
	FastmapParser  FastmapParser

	// SelfCheckEnabled turns on the post-scan invariant walk. It re-reads
	// one VID header per admitted PEB, so it stays a runtime flag rather
	// than always-on.
	SelfCheckEnabled bool

	// BackupRecoveryEnabled turns on paired-page shadow-volume recovery.
	BackupRecoveryEnabled bool

	// MetricsEnabled turns on the Metrics registry of metrics.go; the
	// counters cost nothing when it is off.
	MetricsEnabled bool

	// IORetries bounds write-retry attempts during backup recovery.
	IORetries int

	// Yield is called between PEB classifications; nil means no
	// cooperative yield. This models the host scheduler hook without
	// depending on one.
	Yield func()

	Logger Logger
}

func (c *Config) maxCorrFraction() int {
	if c.MaxCorrFraction > 0 {
		return c.MaxCorrFraction
	}
	return 20
}

func (c *Config) maxCorrFloor() int {
	if c.MaxCorrFloor > 0 {
		return c.MaxCorrFloor
	}
	return 8
}

func (c *Config) maxMaybeBad() int {
	if c.MaxMaybeBad > 0 {
		return c.MaxMaybeBad
	}
	return 2
}

func (c *Config) ioRetries() int {
	if c.IORetries > 0 {
		return c.IORetries
	}
	return 3
}

func (c *Config) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return defaultLogger{}
}

// FastmapParser is the external collaborator that decodes a fastmap once
// the scanner has located its anchor PEB. Only anchor selection and the
// fallback-to-full-scan interaction live in this module.
type FastmapParser interface {
	// Parse attempts to build an *Info from the fastmap anchored at pnum.
	// An error means "fastmap invalid", triggering the full-scan fallback.
	Parse(anchorPnum int) (*Info, error)
}
