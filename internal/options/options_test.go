package options

import (
	"net/url"
	"strconv"
	"testing"

	"github.com/edgevideo/gateway/internal/gwerrors"
)

func mustInt(n int) *int       { return &n }
func mustLevel(l Level) *Level { return &l }

func baseDefaults() Options {
	return Options{Mode: ModeVideo, Fit: FitContain}
}

func TestResolveAppliesExplicitDimensions(t *testing.T) {
	q := url.Values{"mode": {"video"}, "width": {"640"}, "height": {"360"}}
	opt, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Width != 640 || opt.Height != 360 {
		t.Fatalf("got width=%d height=%d", opt.Width, opt.Height)
	}
}

func TestWidthBoundaries(t *testing.T) {
	for _, tc := range []struct {
		width   int
		wantErr bool
	}{
		{9, true},
		{10, false},
		{3840, false},
		{3841, true},
	} {
		q := url.Values{"mode": {"video"}, "width": {strconv.Itoa(tc.width)}}
		_, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
		if tc.wantErr && err == nil {
			t.Fatalf("width=%d: expected error", tc.width)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("width=%d: unexpected error: %v", tc.width, err)
		}
	}
}

func TestDurationBoundaries(t *testing.T) {
	for _, tc := range []struct {
		duration string
		wantErr  bool
	}{
		{"0s", true},
		{"1s", false},
		{"300s", false},
		{"301s", true},
	} {
		q := url.Values{"mode": {"video"}, "duration": {tc.duration}}
		_, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
		if tc.wantErr && err == nil {
			t.Fatalf("duration=%s: expected error", tc.duration)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("duration=%s: unexpected error: %v", tc.duration, err)
		}
	}
}

func TestDurationWithLearnedLimits(t *testing.T) {
	limits := Limits{TimeMaxSeconds: DefaultTimeMaxSeconds, DurationMinSeconds: 1, DurationMaxSeconds: 301}
	q := url.Values{"mode": {"video"}, "duration": {"301s"}}
	if _, err := Resolve(q, nil, baseDefaults(), limits); err != nil {
		t.Fatalf("expected 301s to be accepted under widened learned limit: %v", err)
	}
}

func TestFormatRequiresFrameOrAudioMode(t *testing.T) {
	q := url.Values{"mode": {"video"}, "format": {"gif"}}
	_, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
	assertKind(t, err, gwerrors.KindInvalidOptionCombo)

	q = url.Values{"mode": {"frame"}, "format": {"gif"}}
	if _, err := Resolve(q, nil, baseDefaults(), DefaultLimits()); err != nil {
		t.Fatalf("format=gif with mode=frame should be valid: %v", err)
	}
}

func TestLoopRequiresVideoMode(t *testing.T) {
	q := url.Values{"mode": {"frame"}, "loop": {"true"}}
	_, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
	assertKind(t, err, gwerrors.KindInvalidOptionCombo)
}

func TestAutoplayRequiresMutedOrNoAudio(t *testing.T) {
	q := url.Values{"mode": {"video"}, "autoplay": {"true"}, "audio": {"true"}}
	_, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
	assertKind(t, err, gwerrors.KindInvalidOptionCombo)

	q = url.Values{"mode": {"video"}, "autoplay": {"true"}, "audio": {"true"}, "muted": {"true"}}
	if _, err := Resolve(q, nil, baseDefaults(), DefaultLimits()); err != nil {
		t.Fatalf("autoplay with muted=true should be valid: %v", err)
	}
}

func TestLegacyAliasesTranslate(t *testing.T) {
	q := url.Values{"mode": {"video"}, "w": {"640"}, "h": {"360"}, "mute": {"true"}}
	opt, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Width != 640 || opt.Height != 360 {
		t.Fatalf("legacy w/h aliases not applied: %+v", opt)
	}
	if opt.Audio {
		t.Fatal("mute=true should invert to audio=false")
	}
}

func TestLegacyAliasYieldsToExplicitCanonicalField(t *testing.T) {
	q := url.Values{"mode": {"video"}, "w": {"100"}, "width": {"640"}}
	opt, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Width != 640 {
		t.Fatalf("explicit width should win over legacy alias, got %d", opt.Width)
	}
}

func TestUnknownDerivativeFails(t *testing.T) {
	q := url.Values{"mode": {"video"}, "derivative": {"nope"}}
	_, err := Resolve(q, map[string]Partial{}, baseDefaults(), DefaultLimits())
	assertKind(t, err, gwerrors.KindInvalidParameter)
}

func TestExplicitDerivativeMerges(t *testing.T) {
	derivatives := map[string]Partial{
		"mobile": {Width: mustInt(480), Height: mustInt(270), Quality: mustLevel(LevelLow)},
	}
	q := url.Values{"mode": {"video"}, "derivative": {"mobile"}}
	opt, err := Resolve(q, derivatives, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Width != 480 || opt.Height != 270 || opt.Quality != LevelLow {
		t.Fatalf("derivative fields not merged: %+v", opt)
	}
}

func TestExplicitQueryOverridesDerivative(t *testing.T) {
	derivatives := map[string]Partial{
		"mobile": {Width: mustInt(480), Height: mustInt(270)},
	}
	q := url.Values{"mode": {"video"}, "derivative": {"mobile"}, "width": {"720"}}
	opt, err := Resolve(q, derivatives, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Width != 720 {
		t.Fatalf("explicit width should override derivative, got %d", opt.Width)
	}
}

func TestIMQueryMatchesClosestDerivativeWithinTolerance(t *testing.T) {
	derivatives := map[string]Partial{
		"mobile":  {Width: mustInt(480), Height: mustInt(270)},
		"desktop": {Width: mustInt(1920), Height: mustInt(1080)},
	}
	q := url.Values{"mode": {"video"}, "imwidth": {"500"}, "imheight": {"280"}}
	opt, err := Resolve(q, derivatives, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Width != 480 || opt.Height != 270 {
		t.Fatalf("expected mobile derivative dimensions to replace imquery request, got %+v", opt)
	}
	if opt.Derivative != "mobile" {
		t.Fatalf("expected derivative name to be recorded, got %q", opt.Derivative)
	}
}

func TestIMQueryFallsBackToExplicitDimensionsBeyondTolerance(t *testing.T) {
	derivatives := map[string]Partial{
		"mobile": {Width: mustInt(480), Height: mustInt(270)},
	}
	// Far outside any reasonable tolerance of the only derivative.
	q := url.Values{"mode": {"video"}, "imwidth": {"3000"}, "imheight": {"2000"}}
	opt, err := Resolve(q, derivatives, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Derivative != "" {
		t.Fatalf("expected no derivative match, got %q", opt.Derivative)
	}
	if opt.Width != 3000 || opt.Height != 2000 {
		t.Fatalf("expected fallback to explicit imquery dimensions, got %+v", opt)
	}
}

func TestResolveIsIdempotentOnAlreadyCanonicalQuery(t *testing.T) {
	q := url.Values{"mode": {"video"}, "width": {"640"}, "height": {"360"}}
	first, err := Resolve(q, nil, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Resolve(canonicalQuery(first), nil, baseDefaults(), DefaultLimits())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("resolve should be idempotent: %+v != %+v", first, second)
	}
}

func assertKind(t *testing.T, err error, want gwerrors.Kind) {
	t.Helper()
	e, ok := gwerrors.As(err)
	if !ok {
		t.Fatalf("expected a gwerrors.Error, got %v", err)
	}
	if e.Kind != want {
		t.Fatalf("expected kind %s, got %s", want, e.Kind)
	}
}

func canonicalQuery(o Options) url.Values {
	q := url.Values{}
	q.Set("mode", string(o.Mode))
	if o.Width != 0 {
		q.Set("width", strconv.Itoa(o.Width))
	}
	if o.Height != 0 {
		q.Set("height", strconv.Itoa(o.Height))
	}
	return q
}
