package transform

import (
	"strings"
	"testing"

	"github.com/edgevideo/gateway/internal/options"
)

func TestEncodeTimeStringSecondsVsMinutes(t *testing.T) {
	for _, tc := range []struct {
		seconds float64
		want    string
	}{
		{0, "0s"},
		{1, "1s"},
		{59, "59s"},
		{60, "1m"},
		{120, "2m"},
		{90, "1.5m"},
	} {
		if got := EncodeTimeString(tc.seconds); got != tc.want {
			t.Fatalf("EncodeTimeString(%v) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

func TestBuildParamsOmitsUnsetFields(t *testing.T) {
	opt := options.Options{Mode: options.ModeVideo, Width: 640}
	params := BuildParams(opt, nil, nil)
	for _, p := range params {
		if p.Key == "height" || p.Key == "format" || p.Key == "quality" {
			t.Fatalf("unexpected param emitted: %+v", p)
		}
	}
}

func TestBuildParamsOrderedAlphabeticallyByKey(t *testing.T) {
	opt := options.Options{Mode: options.ModeVideo, Width: 640, Height: 360, Audio: true, Loop: true}
	params := BuildParams(opt, nil, nil)
	for i := 1; i < len(params); i++ {
		if params[i-1].Key > params[i].Key {
			t.Fatalf("params not sorted: %+v", params)
		}
	}
}

func TestBuildParamsBooleansRenderedAsTrueFalse(t *testing.T) {
	opt := options.Options{Mode: options.ModeVideo, Audio: true}
	params := BuildParams(opt, nil, nil)
	found := false
	for _, p := range params {
		if p.Key == "audio" {
			found = true
			if p.Value != "true" {
				t.Fatalf("expected audio=true, got %q", p.Value)
			}
		}
	}
	if !found {
		t.Fatal("expected audio param to be emitted when true")
	}
}

func TestBuildUpstreamURLIsDeterministic(t *testing.T) {
	opt := options.Options{Mode: options.ModeVideo, Width: 640, Height: 360}
	params := BuildParams(opt, nil, nil)
	u1 := BuildUpstreamURL("https://cdn.example/cdn-cgi/media", params, "https://origin.example/a.mp4", 3)
	u2 := BuildUpstreamURL("https://cdn.example/cdn-cgi/media", params, "https://origin.example/a.mp4", 3)
	if u1 != u2 {
		t.Fatalf("expected deterministic URL construction: %q != %q", u1, u2)
	}
}

func TestBuildUpstreamURLAppendsVersion(t *testing.T) {
	u := BuildUpstreamURL("https://cdn.example/cdn-cgi/media", nil, "https://origin.example/a.mp4", 7)
	want := "https://cdn.example/cdn-cgi/media//https://origin.example/a.mp4?v=7"
	if u != want {
		t.Fatalf("got %q, want %q", u, want)
	}
}

func TestBuildUpstreamURLOmitsVersionWhenZero(t *testing.T) {
	u := BuildUpstreamURL("https://cdn.example/cdn-cgi/media", nil, "https://origin.example/a.mp4", 0)
	if strings.Contains(u, "v=") {
		t.Fatalf("version query should be omitted when zero: %q", u)
	}
}

func TestBuildUpstreamURLOmitsVersionAtBaseline(t *testing.T) {
	u := BuildUpstreamURL("https://cdn.example/cdn-cgi/media", nil, "https://origin.example/a.mp4", 1)
	if strings.Contains(u, "v=") {
		t.Fatalf("baseline version (1) should not bust the cache: %q", u)
	}
}
