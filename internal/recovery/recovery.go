// Package recovery implements the error-recovery state machine triggered
// when the upstream transformation call fails: classify the failure, retry
// the same source, fail over to an alternative source, or fall back to
// streaming the original untransformed bytes. The whole machine is one
// function (Run) walking INITIAL->CLASSIFY->RETRY_SAME_SOURCE->ALT_SOURCE->
// DIRECT_FETCH.
package recovery

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/edgevideo/gateway/internal/gwerrors"
	"github.com/edgevideo/gateway/internal/options"
	"github.com/edgevideo/gateway/internal/origin"
	"github.com/edgevideo/gateway/internal/upstream"
)

// OutcomeKind tags which terminal branch the state machine reached.
type OutcomeKind string

const (
	OutcomeTransformed OutcomeKind = "transformed"
	OutcomeFallback    OutcomeKind = "fallback"
	OutcomeTerminal    OutcomeKind = "terminal"
)

// Outcome is the state machine's tagged result. Exactly one of Result/Err is
// set, selected by Kind.
type Outcome struct {
	Kind   OutcomeKind
	Result *upstream.Result
	Err    *gwerrors.Error

	RetryApplied      bool
	FallbackApplied   bool
	FailedSource      string
	AlternativeSource string
	LargeFile         bool
}

const (
	baseBackoff      = 100 * time.Millisecond
	maxBackoffJitter = 50 * time.Millisecond
)

// TransformFetchFunc performs the upstream transformation call against a
// single fully-built upstream URL.
type TransformFetchFunc func(ctx context.Context, upstreamURL string, mode options.Mode) (*upstream.Result, error)

// DirectFetchFunc fetches the original, untransformed bytes from a resolved
// source URL, bypassing the upstream transformation service entirely.
type DirectFetchFunc func(ctx context.Context, sourceURL string) (*upstream.Result, error)

// URLBuilderFunc resolves a Source into a concrete URL.
type URLBuilderFunc func(source origin.Source) (string, error)

// Machine holds the collaborators the state machine calls into. It carries
// no mutable state of its own; Run is a pure dispatcher over its
// dependencies and the arguments of a single recovery walk.
type Machine struct {
	// TransformFetch issues the upstream transformation call.
	TransformFetch TransformFetchFunc
	// DirectFetch fetches raw origin bytes for the DIRECT_FETCH state.
	DirectFetch DirectFetchFunc
	// BuildTransformURL constructs the full upstream transformation URL for
	// a source (params + origin URL, possibly presigned).
	BuildTransformURL URLBuilderFunc
	// BuildSourceURL resolves a source's own URL for a direct, untransformed
	// fetch (no upstream transform indirection).
	BuildSourceURL URLBuilderFunc
	// MaxRetries bounds RETRY_SAME_SOURCE attempts.
	MaxRetries int
}

func sourceExclusion(originName string, s origin.Source) origin.Exclusion {
	return origin.Exclusion{OriginName: originName, SourceKind: s.Kind, SourcePriority: s.Priority}
}

// isFileTooLarge reports whether err carries the upstream's "origin too
// large" structured code, which per the large-file special case transitions
// directly to DIRECT_FETCH regardless of retryable/shouldFallback.
func isFileTooLarge(err *gwerrors.Error) bool {
	if err == nil {
		return false
	}
	marker := fmt.Sprintf("err=%d", upstream.ErrOriginTooLarge)
	return strings.Contains(err.Message, marker)
}

// Run drives the recovery state machine starting from a failed upstream
// call against failedSource. excluded carries sources already ruled out
// before this walk began (e.g. by a prior request-scoped attempt).
func (m *Machine) Run(ctx context.Context, o origin.Origin, mode options.Mode, failedSource origin.Source, initialErr *gwerrors.Error, excluded []origin.Exclusion) Outcome {
	if isFileTooLarge(initialErr) {
		out := m.directFetch(ctx, o, excluded, failedSource)
		out.LargeFile = true
		return out
	}

	lastErr := initialErr
	if lastErr.Retryable {
		if out, retried, updated := m.retrySameSource(ctx, failedSource, mode); retried {
			return out
		} else if updated != nil {
			lastErr = updated
		}
	}

	if !lastErr.ShouldFallback {
		return Outcome{Kind: OutcomeTerminal, Err: lastErr}
	}

	return m.altSource(ctx, o, mode, failedSource, excluded)
}

// retrySameSource implements RETRY_SAME_SOURCE: up to MaxRetries attempts
// against the same source with exponential backoff (100ms*2^n plus
// jitter). Returns (outcome, true, nil) on success, or (Outcome{}, false,
// lastErr) once retries are exhausted or a non-retryable error is seen.
func (m *Machine) retrySameSource(ctx context.Context, source origin.Source, mode options.Mode) (Outcome, bool, *gwerrors.Error) {
	url, err := m.BuildTransformURL(source)
	if err != nil {
		return Outcome{}, false, gwerrors.Wrap(gwerrors.KindURLConstruction, err, "")
	}

	var lastErr *gwerrors.Error
	for attempt := 0; attempt < m.MaxRetries; attempt++ {
		if waitErr := sleepWithBackoff(ctx, attempt); waitErr != nil {
			return Outcome{}, false, gwerrors.Wrap(gwerrors.KindFetchFailed, waitErr, "recovery canceled during backoff")
		}

		result, fetchErr := m.TransformFetch(ctx, url, mode)
		if fetchErr == nil {
			return Outcome{Kind: OutcomeTransformed, Result: result, RetryApplied: true}, true, nil
		}

		gwErr, ok := gwerrors.As(fetchErr)
		if !ok {
			gwErr = gwerrors.Wrap(gwerrors.KindFetchFailed, fetchErr, "")
		}
		lastErr = gwErr
		if !gwErr.Retryable {
			break
		}
	}
	return Outcome{}, false, lastErr
}

// altSource implements ALT_SOURCE: re-resolve sources excluding everything
// tried so far, retry against each in priority order, and fall through to
// DIRECT_FETCH once sources are exhausted.
func (m *Machine) altSource(ctx context.Context, o origin.Origin, mode options.Mode, failedSource origin.Source, excluded []origin.Exclusion) Outcome {
	tried := append(append([]origin.Exclusion{}, excluded...), sourceExclusion(o.Name, failedSource))
	lastFailed := failedSource

	for {
		sources, err := origin.Sources(o, tried)
		if err != nil {
			// A failed transformation does not rule a source out for an
			// untransformed fetch: only the caller's exclusions apply.
			return m.directFetch(ctx, o, excluded, lastFailed)
		}
		next := sources[0]

		url, buildErr := m.BuildTransformURL(next)
		if buildErr != nil {
			tried = append(tried, sourceExclusion(o.Name, next))
			continue
		}

		result, fetchErr := m.TransformFetch(ctx, url, mode)
		if fetchErr == nil {
			return Outcome{
				Kind:              OutcomeTransformed,
				Result:            result,
				RetryApplied:      true,
				FailedSource:      string(lastFailed.Kind),
				AlternativeSource: string(next.Kind),
			}
		}

		gwErr, ok := gwerrors.As(fetchErr)
		if !ok {
			gwErr = gwerrors.Wrap(gwerrors.KindFetchFailed, fetchErr, "")
		}
		if isFileTooLarge(gwErr) {
			out := m.directFetch(ctx, o, tried, next)
			out.LargeFile = true
			return out
		}
		if !gwErr.ShouldFallback {
			return Outcome{Kind: OutcomeTerminal, Err: gwErr}
		}

		lastFailed = next
		tried = append(tried, sourceExclusion(o.Name, next))
	}
}

// directFetch implements DIRECT_FETCH: stream the first viable source's
// original bytes, bypassing the upstream transformation service.
func (m *Machine) directFetch(ctx context.Context, o origin.Origin, excluded []origin.Exclusion, failedSource origin.Source) Outcome {
	sources, err := origin.Sources(o, excluded)
	if err != nil {
		return Outcome{
			Kind:         OutcomeTerminal,
			Err:          gwerrors.New(gwerrors.KindSourceExhausted, "no viable source for direct fetch"),
			FailedSource: string(failedSource.Kind),
		}
	}

	var lastErr *gwerrors.Error
	for _, s := range sources {
		url, buildErr := m.BuildSourceURL(s)
		if buildErr != nil {
			lastErr = gwerrors.Wrap(gwerrors.KindURLConstruction, buildErr, "")
			continue
		}
		result, fetchErr := m.DirectFetch(ctx, url)
		if fetchErr == nil {
			return Outcome{
				Kind:            OutcomeFallback,
				Result:          result,
				FallbackApplied: true,
				FailedSource:    string(failedSource.Kind),
			}
		}
		gwErr, ok := gwerrors.As(fetchErr)
		if !ok {
			gwErr = gwerrors.Wrap(gwerrors.KindFetchFailed, fetchErr, "")
		}
		lastErr = gwErr
	}

	if lastErr == nil {
		lastErr = gwerrors.New(gwerrors.KindFetchFailed, "direct fetch exhausted all sources")
	}
	return Outcome{Kind: OutcomeTerminal, Err: lastErr, FailedSource: string(failedSource.Kind)}
}

// sleepWithBackoff waits 100ms*2^attempt plus up to 50ms of jitter, or
// returns ctx's error if canceled first.
func sleepWithBackoff(ctx context.Context, attempt int) error {
	delay := baseBackoff * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(maxBackoffJitter)))
	timer := time.NewTimer(delay + jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
