// Package options resolves an incoming request's transformation parameters
// into an immutable Options value, merging URL query parameters, a
// derivative preset table, and configured defaults. Resolve is a pure
// function: no I/O, no shared mutable state, deterministic given identical
// input.
package options

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/edgevideo/gateway/internal/gwerrors"
)

// Mode selects the transformation kind.
type Mode string

const (
	ModeVideo       Mode = "video"
	ModeFrame       Mode = "frame"
	ModeSpritesheet Mode = "spritesheet"
	ModeAudio       Mode = "audio"
)

// Fit selects how the source is resized into the target dimensions.
type Fit string

const (
	FitContain    Fit = "contain"
	FitScaleDown  Fit = "scale-down"
	FitCover      Fit = "cover"
)

// Format selects the output container/codec.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatGIF  Format = "gif"
	FormatJPG  Format = "jpg"
	FormatWebP Format = "webp"
	FormatPNG  Format = "png"
)

// Quality and Compression share the same closed enum.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
	LevelAuto   Level = "auto"
)

// Dimension bounds: each of width/height is bounded 10-3840.
const (
	MinDimension = 10
	MaxDimension = 3840
)

// Default numeric bounds for time/duration; DurationMax and TimeMax may be
// widened at runtime from upstream-learned limits (see internal/upstream).
const (
	DefaultTimeMaxSeconds     = 600.0
	DefaultDurationMinSeconds = 1.0
	DefaultDurationMaxSeconds = 300.0
)

// DefaultIMQueryTolerance is the default fractional tolerance (25%) used
// when matching an IMQuery width/height pair to the closest derivative.
const DefaultIMQueryTolerance = 0.25

// Options is the immutable, resolved transformation request.
type Options struct {
	Mode   Mode
	Width  int
	Height int
	Fit    Fit
	Format Format

	Quality     Level
	Compression Level

	// Time and Duration are normalized time strings of the form
	// "<float>[s|m]" (see internal/transform for the canonical encoding).
	Time     string
	Duration string

	Audio    bool
	Loop     bool
	Autoplay bool
	Muted    bool

	Derivative string
}

// Partial is a derivative preset: every field is optional, represented as a
// pointer so Resolve can distinguish "not set" from the zero value.
type Partial struct {
	Mode        *Mode
	Width       *int
	Height      *int
	Fit         *Fit
	Format      *Format
	Quality     *Level
	Compression *Level
	Time        *string
	Duration    *string
	Audio       *bool
	Loop        *bool
	Autoplay    *bool
	Muted       *bool
}

// Limits carries the runtime-learned (or default) bounds for time and
// duration fields (bounds may be widened at runtime by upstream-learned limits).
type Limits struct {
	TimeMaxSeconds     float64
	DurationMinSeconds float64
	DurationMaxSeconds float64
}

// DefaultLimits returns the built-in default bounds.
func DefaultLimits() Limits {
	return Limits{
		TimeMaxSeconds:     DefaultTimeMaxSeconds,
		DurationMinSeconds: DefaultDurationMinSeconds,
		DurationMaxSeconds: DefaultDurationMaxSeconds,
	}
}

// aliasRule describes how a legacy query parameter maps onto a canonical
// field, with an optional boolean-inversion flag for parameters like
// "mute" that are the logical negation of the canonical "audio" field.
type aliasRule struct {
	canonical string
	invert    bool
}

// legacyAliases is the fixed table of legacy parameter names and their
// canonical replacements.
var legacyAliases = map[string]aliasRule{
	"w":        {canonical: "width"},
	"h":        {canonical: "height"},
	"obj-fit":  {canonical: "fit"},
	"start":    {canonical: "time"},
	"dur":      {canonical: "duration"},
	"mute":     {canonical: "audio", invert: true},
}

// Resolve produces an Options value from the request query, the active
// derivative table, the configured defaults, and the current (possibly
// learned) Limits.
func Resolve(query url.Values, derivatives map[string]Partial, defaults Options, limits Limits) (Options, error) {
	opt := defaults

	q := applyLegacyAliases(query)

	derivativeName, derivativeApplied, imQueryApplied, err := resolveDerivative(q, derivatives, &opt)
	if err != nil {
		return Options{}, err
	}
	if derivativeApplied {
		opt.Derivative = derivativeName
	}

	if err := mergeQueryFields(q, &opt, imQueryApplied); err != nil {
		return Options{}, err
	}

	if err := validate(opt, limits); err != nil {
		return Options{}, err
	}

	return opt, nil
}

// applyLegacyAliases returns a copy of query with every legacy alias
// rewritten to its canonical name. Boolean-inversion aliases (mute→audio)
// are inverted during the rewrite.
func applyLegacyAliases(query url.Values) url.Values {
	out := make(url.Values, len(query))
	for k, v := range query {
		out[k] = v
	}
	for alias, rule := range legacyAliases {
		vals, ok := out[alias]
		if !ok {
			continue
		}
		delete(out, alias)
		if _, exists := out[rule.canonical]; exists {
			// Canonical field already present in the query; it wins.
			continue
		}
		if rule.invert {
			rewritten := make([]string, len(vals))
			for i, v := range vals {
				b, err := strconv.ParseBool(v)
				if err != nil {
					rewritten[i] = v
					continue
				}
				rewritten[i] = strconv.FormatBool(!b)
			}
			out[rule.canonical] = rewritten
			continue
		}
		out[rule.canonical] = vals
	}
	return out
}

// resolveDerivative handles either an explicit
// derivative=<name> or an IMQuery (imwidth/imheight) dimension request.
func resolveDerivative(q url.Values, derivatives map[string]Partial, opt *Options) (name string, applied, imQuery bool, err error) {
	if name := q.Get("derivative"); name != "" {
		d, ok := derivatives[name]
		if !ok {
			return "", false, false, gwerrors.New(gwerrors.KindInvalidParameter, "unknown derivative").WithField("derivative")
		}
		applyPartial(d, opt)
		return name, true, false, nil
	}

	imWidthStr, imHeightStr := q.Get("imwidth"), q.Get("imheight")
	if imWidthStr == "" && imHeightStr == "" {
		return "", false, false, nil
	}

	imWidth, werr := strconv.Atoi(imWidthStr)
	imHeight, herr := strconv.Atoi(imHeightStr)
	if werr != nil || herr != nil {
		// Malformed IMQuery dimensions fall through to explicit dimensions.
		return "", false, false, nil
	}

	bestName, bestDist, found := "", math.Inf(1), false
	for n, d := range derivatives {
		if d.Width == nil || d.Height == nil {
			continue
		}
		dist := euclidean(float64(imWidth), float64(imHeight), float64(*d.Width), float64(*d.Height))
		if dist < bestDist {
			bestName, bestDist, found = n, dist, true
		}
	}
	if !found {
		return "", false, false, nil
	}

	tolerance := DefaultIMQueryTolerance * euclidean(0, 0, float64(imWidth), float64(imHeight))
	if bestDist > tolerance {
		// No derivative within tolerance: fall through to explicit dimensions.
		return "", false, false, nil
	}

	applyPartial(derivatives[bestName], opt)
	return bestName, true, true, nil
}

func euclidean(x1, y1, x2, y2 float64) float64 {
	dx, dy := x1-x2, y1-y2
	return math.Sqrt(dx*dx + dy*dy)
}

func applyPartial(d Partial, opt *Options) {
	if d.Mode != nil {
		opt.Mode = *d.Mode
	}
	if d.Width != nil {
		opt.Width = *d.Width
	}
	if d.Height != nil {
		opt.Height = *d.Height
	}
	if d.Fit != nil {
		opt.Fit = *d.Fit
	}
	if d.Format != nil {
		opt.Format = *d.Format
	}
	if d.Quality != nil {
		opt.Quality = *d.Quality
	}
	if d.Compression != nil {
		opt.Compression = *d.Compression
	}
	if d.Time != nil {
		opt.Time = *d.Time
	}
	if d.Duration != nil {
		opt.Duration = *d.Duration
	}
	if d.Audio != nil {
		opt.Audio = *d.Audio
	}
	if d.Loop != nil {
		opt.Loop = *d.Loop
	}
	if d.Autoplay != nil {
		opt.Autoplay = *d.Autoplay
	}
	if d.Muted != nil {
		opt.Muted = *d.Muted
	}
}

// mergeQueryFields applies explicit query parameters over the working
// Options. When imQueryApplied is true, width/height were already set by
// the matched derivative and imwidth/imheight must not override them.
func mergeQueryFields(q url.Values, opt *Options, imQueryApplied bool) error {
	if v := q.Get("mode"); v != "" {
		opt.Mode = Mode(v)
	}
	if !imQueryApplied {
		if v := q.Get("width"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return gwerrors.New(gwerrors.KindInvalidDimension, "width must be an integer").WithField("width")
			}
			opt.Width = n
		} else if v := q.Get("imwidth"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return gwerrors.New(gwerrors.KindInvalidDimension, "imwidth must be an integer").WithField("imwidth")
			}
			opt.Width = n
		}
		if v := q.Get("height"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return gwerrors.New(gwerrors.KindInvalidDimension, "height must be an integer").WithField("height")
			}
			opt.Height = n
		} else if v := q.Get("imheight"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return gwerrors.New(gwerrors.KindInvalidDimension, "imheight must be an integer").WithField("imheight")
			}
			opt.Height = n
		}
	}
	if v := q.Get("fit"); v != "" {
		opt.Fit = Fit(v)
	}
	if v := q.Get("format"); v != "" {
		opt.Format = Format(v)
	}
	if v := q.Get("quality"); v != "" {
		opt.Quality = Level(v)
	}
	if v := q.Get("compression"); v != "" {
		opt.Compression = Level(v)
	}
	if v := q.Get("time"); v != "" {
		opt.Time = v
	}
	if v := q.Get("duration"); v != "" {
		opt.Duration = v
	}
	if v := q.Get("audio"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return gwerrors.New(gwerrors.KindInvalidParameter, "audio must be a boolean").WithField("audio")
		}
		opt.Audio = b
	}
	if v := q.Get("loop"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return gwerrors.New(gwerrors.KindInvalidParameter, "loop must be a boolean").WithField("loop")
		}
		opt.Loop = b
	}
	if v := q.Get("autoplay"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return gwerrors.New(gwerrors.KindInvalidParameter, "autoplay must be a boolean").WithField("autoplay")
		}
		opt.Autoplay = b
	}
	if v := q.Get("muted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return gwerrors.New(gwerrors.KindInvalidParameter, "muted must be a boolean").WithField("muted")
		}
		opt.Muted = b
	}
	return nil
}

func validate(opt Options, limits Limits) error {
	switch opt.Mode {
	case ModeVideo, ModeFrame, ModeSpritesheet, ModeAudio:
	default:
		return gwerrors.New(gwerrors.KindInvalidMode, "unrecognized mode").WithField("mode")
	}

	if opt.Width != 0 && (opt.Width < MinDimension || opt.Width > MaxDimension) {
		return gwerrors.New(gwerrors.KindInvalidDimension, "width out of bounds").WithField("width")
	}
	if opt.Height != 0 && (opt.Height < MinDimension || opt.Height > MaxDimension) {
		return gwerrors.New(gwerrors.KindInvalidDimension, "height out of bounds").WithField("height")
	}

	switch opt.Fit {
	case "", FitContain, FitScaleDown, FitCover:
	default:
		return gwerrors.New(gwerrors.KindInvalidParameter, "unrecognized fit").WithField("fit")
	}

	if opt.Format != "" {
		switch opt.Format {
		case FormatMP4, FormatWebM, FormatGIF, FormatJPG, FormatWebP, FormatPNG:
		default:
			return gwerrors.New(gwerrors.KindInvalidParameter, "unrecognized format").WithField("format")
		}
		// format is permitted only with mode=frame (image outputs) or mode=audio (m4a).
		if opt.Mode != ModeFrame && opt.Mode != ModeAudio {
			return gwerrors.New(gwerrors.KindInvalidOptionCombo, "format is only valid with mode=frame or mode=audio").WithField("format")
		}
	}

	for _, lvl := range []struct {
		field string
		v     Level
	}{{"quality", opt.Quality}, {"compression", opt.Compression}} {
		switch lvl.v {
		case "", LevelLow, LevelMedium, LevelHigh, LevelAuto:
		default:
			return gwerrors.New(gwerrors.KindInvalidParameter, "unrecognized level").WithField(lvl.field)
		}
	}

	if opt.Time != "" {
		seconds, err := parseTimeSeconds(opt.Time)
		if err != nil {
			return gwerrors.New(gwerrors.KindInvalidTimeValue, err.Error()).WithField("time")
		}
		if seconds < 0 || seconds > limits.TimeMaxSeconds {
			return gwerrors.New(gwerrors.KindInvalidTimeValue, "time out of bounds").WithField("time")
		}
	}

	if opt.Duration != "" {
		seconds, err := parseTimeSeconds(opt.Duration)
		if err != nil {
			return gwerrors.New(gwerrors.KindInvalidTimeValue, err.Error()).WithField("duration")
		}
		if seconds < limits.DurationMinSeconds || seconds > limits.DurationMaxSeconds {
			return gwerrors.New(gwerrors.KindInvalidTimeValue, "duration out of bounds").WithField("duration")
		}
	}

	if (opt.Loop || opt.Autoplay) && opt.Mode != ModeVideo {
		return gwerrors.New(gwerrors.KindInvalidOptionCombo, "loop and autoplay require mode=video").WithField("mode")
	}

	if opt.Autoplay && opt.Audio && !opt.Muted {
		return gwerrors.New(gwerrors.KindInvalidOptionCombo, "autoplay requires audio=false or muted=true").WithField("autoplay")
	}

	return nil
}

// ParseTimeSeconds parses a normalized time/duration string (the form
// stored in Options.Time and Options.Duration) into seconds, for callers
// that need the numeric value after Resolve has already validated it (e.g.
// internal/transform's BuildParams).
func ParseTimeSeconds(s string) (float64, error) {
	return parseTimeSeconds(s)
}

// parseTimeSeconds parses a time string of the form "<float>[s|m]".
func parseTimeSeconds(s string) (float64, error) {
	s = strings.TrimSpace(s)
	unit := 1.0
	switch {
	case strings.HasSuffix(s, "ms"):
		return 0, &timeFormatError{s}
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		unit = 60.0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &timeFormatError{s}
	}
	return f * unit, nil
}

type timeFormatError struct{ value string }

func (e *timeFormatError) Error() string {
	return "invalid time value " + strconv.Quote(e.value)
}
