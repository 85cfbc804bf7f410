package upstream

import (
	"regexp"
	"strconv"
	"sync/atomic"
)

// Limits holds the runtime-learned (or default) duration and file-size
// bounds, learned by observing upstream error replies and overwriting the
// prior default. The zero value is meaningless; use DefaultLimits.
type Limits struct {
	DurationMinMillis int64
	DurationMaxMillis int64
	MaxFileSizeBytes  int64
}

// DefaultLimits mirrors the Options Resolver's defaults in milliseconds:
// time/duration bounds start here until an upstream error reply teaches a
// different bound.
func DefaultLimits() Limits {
	return Limits{
		DurationMinMillis: 1000,
		DurationMaxMillis: 300_000,
		MaxFileSizeBytes:  0, // 0 means "no learned limit yet"
	}
}

// LearnedLimits is a process-wide, atomically-swapped cell holding the
// current Limits. Every fetcher sharing a LearnedLimits instance observes
// updates from any one of them immediately.
type LearnedLimits struct {
	cell atomic.Pointer[Limits]
}

// NewLearnedLimits creates a LearnedLimits cell seeded with DefaultLimits.
func NewLearnedLimits() *LearnedLimits {
	l := &LearnedLimits{}
	initial := DefaultLimits()
	l.cell.Store(&initial)
	return l
}

// Current returns the current Limits snapshot.
func (l *LearnedLimits) Current() Limits {
	if p := l.cell.Load(); p != nil {
		return *p
	}
	return DefaultLimits()
}

// Seed overwrites the cell with an explicit Limits value. Learned limits
// live in memory only; nothing persists them across restarts.
func (l *LearnedLimits) Seed(limits Limits) {
	l.cell.Store(&limits)
}

// durationLimitPattern matches upstream error text of the form
// "duration: attribute must be between <a>ms and <b>s".
var durationLimitPattern = regexp.MustCompile(`duration: attribute must be between (\d+)ms and (\d+)s`)

// fileSizeLimitPattern matches upstream error text reporting a learned
// maximum file size in bytes.
var fileSizeLimitPattern = regexp.MustCompile(`file_size_limit[^0-9]*(\d+)`)

// LearnFromErrorText inspects an upstream error message for a
// duration-bound or file-size-bound hint and, if found, atomically updates
// limits with the learned value. Returns true if a bound was learned.
func (l *LearnedLimits) LearnFromErrorText(text string) bool {
	learned := false
	current := l.Current()

	if m := durationLimitPattern.FindStringSubmatch(text); m != nil {
		minMillis, err1 := strconv.ParseInt(m[1], 10, 64)
		maxSeconds, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 == nil && err2 == nil {
			current.DurationMinMillis = minMillis
			current.DurationMaxMillis = maxSeconds * 1000
			learned = true
		}
	}

	if m := fileSizeLimitPattern.FindStringSubmatch(text); m != nil {
		if maxBytes, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			current.MaxFileSizeBytes = maxBytes
			learned = true
		}
	}

	if learned {
		l.Seed(current)
	}
	return learned
}
