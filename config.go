package cooper

import (
	"strings"

	"golang.org/x/xerrors"

	"github.com/gocooper/cooper/internal/posting"
)

// MergeStrategy selects how the background worker compacts barrels.
type MergeStrategy string

const (
	// MergeNone never merges; compaction happens only on explicit
	// Optimize.
	MergeNone MergeStrategy = "none"
	// MergeImmediate merges the two smallest barrels after every flush
	// when their sizes are within mergeFactor of each other.
	MergeImmediate MergeStrategy = "immediate"
	// MergeMultiway merges whenever K barrels of similar size have
	// accumulated.
	MergeMultiway MergeStrategy = "multiway"
	// MergeGeometric partitions barrels into geometric size classes
	// and collapses a class once it has K members. The default.
	MergeGeometric MergeStrategy = "geometric"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMemoryBudget    = 128 << 20
	DefaultSkipInterval    = 8
	DefaultMaxSkipLevel    = 3
	DefaultMergeFactor     = 3
	DefaultMaxMergeRetries = 3
)

// Config carries the externally loaded settings of one index. Invalid
// configuration is rejected at Open; it never fails mid-run.
type Config struct {
	// Location is the index directory on disk. Ignored when InMemory
	// is set.
	Location string

	// InMemory backs the whole index (barrels and secondary index)
	// with memory. Used by tests.
	InMemory bool

	// Mmap memory-maps barrel files for reading.
	Mmap bool

	// IndexMode is one of "realtime", "default", "default:block",
	// "default:chunk" or "default:bytealign". Realtime serves queries
	// from the unflushed in-memory barrel as well; the default modes
	// only expose documents after flush. The suffix selects the
	// posting encoding.
	IndexMode string

	MergeStrategy MergeStrategy
	// MergeFactor is the K of the multiway and geometric strategies
	// and the size ratio bound of immediate.
	MergeFactor int

	// MemoryBudget bounds the in-memory barrel; reaching it triggers a
	// flush.
	MemoryBudget int64

	SkipInterval int
	MaxSkipLevel int

	// BTreeCacheEntries bounds the secondary index write log.
	BTreeCacheEntries int

	// OptimizeSchedule is an optional five-field cron expression
	// (minute hour day month weekday); when it fires, a full merge is
	// scheduled.
	OptimizeSchedule string

	MaxMergeRetries int
}

func (c Config) withDefaults() Config {
	if c.IndexMode == "" {
		c.IndexMode = "default:bytealign"
	}
	if c.MergeStrategy == "" {
		c.MergeStrategy = MergeGeometric
	}
	if c.MergeFactor <= 1 {
		c.MergeFactor = DefaultMergeFactor
	}
	if c.MemoryBudget <= 0 {
		c.MemoryBudget = DefaultMemoryBudget
	}
	if c.SkipInterval <= 1 {
		c.SkipInterval = DefaultSkipInterval
	}
	if c.MaxSkipLevel <= 0 {
		c.MaxSkipLevel = DefaultMaxSkipLevel
	}
	if c.MaxMergeRetries <= 0 {
		c.MaxMergeRetries = DefaultMaxMergeRetries
	}
	return c
}

func (c Config) validate() error {
	if !c.InMemory && c.Location == "" {
		return xerrors.Errorf("location is required: %w", ErrConfig)
	}
	switch c.MergeStrategy {
	case MergeNone, MergeImmediate, MergeMultiway, MergeGeometric:
	default:
		return xerrors.Errorf("unknown merge strategy %q: %w", c.MergeStrategy, ErrConfig)
	}
	if _, _, err := c.postingMode(); err != nil {
		return err
	}
	return nil
}

// postingMode maps IndexMode onto the posting format and the realtime
// flag. The chunk mode shares the block encoding.
func (c Config) postingMode() (posting.Format, bool, error) {
	switch strings.ToLower(c.IndexMode) {
	case "realtime":
		return posting.FormatVByte, true, nil
	case "default", "default:bytealign":
		return posting.FormatVByte, false, nil
	case "default:block", "default:chunk":
		return posting.FormatBlock, false, nil
	default:
		return 0, false, xerrors.Errorf("unknown index mode %q: %w", c.IndexMode, ErrConfig)
	}
}

func (c Config) postingOptions() posting.Options {
	format, _, _ := c.postingMode()
	return posting.Options{
		Format:    format,
		Interval:  c.SkipInterval,
		MaxLevels: c.MaxSkipLevel,
	}
}
