package origin

import (
	"regexp"
	"testing"

	"github.com/edgevideo/gateway/internal/gwerrors"
)

func testOrigins() []Origin {
	return []Origin{
		{
			Name:          "videos",
			Matcher:       regexp.MustCompile(`^/videos/(?P<id>[^/]+)$`),
			CaptureGroups: []string{"id"},
			Sources: []Source{
				{Kind: SourceRemote, Priority: 2, URL: "https://remote.example", Path: "/objects/${id}"},
				{Kind: SourceR2, Priority: 1, BucketBinding: "videos-bucket", Path: "${id}"},
			},
		},
		{
			Name:    "catchall",
			Matcher: regexp.MustCompile(`^/.*$`),
			Sources: []Source{{Kind: SourceFallback, Priority: 1, URL: "https://fallback.example", Path: "${request_path}"}},
		},
	}
}

func TestMatchReturnsFirstByDocumentOrder(t *testing.T) {
	r := New(testOrigins())
	o, captures, err := r.Match("/videos/abc.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Name != "videos" {
		t.Fatalf("expected 'videos' origin, got %q", o.Name)
	}
	if captures["id"] != "abc.mp4" {
		t.Fatalf("expected capture id=abc.mp4, got %+v", captures)
	}
}

func TestMatchFallsThroughToLaterOrigin(t *testing.T) {
	r := New(testOrigins())
	o, _, err := r.Match("/anything/else")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Name != "catchall" {
		t.Fatalf("expected fallthrough to 'catchall', got %q", o.Name)
	}
}

func TestMatchNotFound(t *testing.T) {
	origins := []Origin{{Name: "videos", Matcher: regexp.MustCompile(`^/videos/.+$`)}}
	r := New(origins)
	_, _, err := r.Match("/nope")
	e, ok := gwerrors.As(err)
	if !ok || e.Kind != gwerrors.KindOriginNotFound {
		t.Fatalf("expected OriginNotFound, got %v", err)
	}
}

func TestSourcesAreOrderedAscendingByPriority(t *testing.T) {
	r := New(testOrigins())
	o, _, _ := r.Match("/videos/abc.mp4")
	sources, err := Sources(o, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sources[0].Kind != SourceR2 || sources[1].Kind != SourceRemote {
		t.Fatalf("expected r2 before remote, got %+v", sources)
	}
}

func TestSourcesExcludesGivenSource(t *testing.T) {
	r := New(testOrigins())
	o, _, _ := r.Match("/videos/abc.mp4")
	sources, err := Sources(o, []Exclusion{{OriginName: "videos", SourceKind: SourceR2, SourcePriority: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 1 || sources[0].Kind != SourceRemote {
		t.Fatalf("expected only remote source to remain, got %+v", sources)
	}
}

func TestSourcesExhaustedWhenAllExcluded(t *testing.T) {
	r := New(testOrigins())
	o, _, _ := r.Match("/videos/abc.mp4")
	excl := []Exclusion{
		{OriginName: "videos", SourceKind: SourceR2, SourcePriority: 1},
		{OriginName: "videos", SourceKind: SourceRemote, SourcePriority: 2},
	}
	_, err := Sources(o, excl)
	e, ok := gwerrors.As(err)
	if !ok || e.Kind != gwerrors.KindSourceExhausted {
		t.Fatalf("expected SourceExhausted, got %v", err)
	}
}

func TestSourcesExhaustedWithZeroSources(t *testing.T) {
	o := Origin{Name: "empty"}
	_, err := Sources(o, nil)
	e, ok := gwerrors.As(err)
	if !ok || e.Kind != gwerrors.KindSourceExhausted {
		t.Fatalf("expected SourceExhausted for zero-source origin, got %v", err)
	}
}

func TestExcludingOneSourceNeverReturnsItButMayReturnSibling(t *testing.T) {
	r := New(testOrigins())
	o, _, _ := r.Match("/videos/abc.mp4")
	sources, err := Sources(o, []Exclusion{{OriginName: "videos", SourceKind: SourceR2, SourcePriority: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range sources {
		if s.Kind == SourceR2 {
			t.Fatal("excluded source r2 must never be returned")
		}
	}
	if len(sources) != 1 {
		t.Fatalf("expected the sibling remote source to still be returned, got %+v", sources)
	}
}

func TestResolveTemplateSubstitutesCapturesAndRequestPath(t *testing.T) {
	got := ResolveTemplate("objects/${id}/raw${request_path}", map[string]string{"id": "abc"}, "/videos/abc.mp4")
	want := "objects/abc/raw/videos/abc.mp4"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveTemplatePositionalCaptures(t *testing.T) {
	got := ResolveTemplate("${1}/${2}", map[string]string{"1": "a", "2": "b"}, "/x")
	if got != "a/b" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveTemplateDefaultWhenAbsent(t *testing.T) {
	got := ResolveTemplate("${quality:high}", map[string]string{}, "/x")
	if got != "high" {
		t.Fatalf("got %q, want default 'high'", got)
	}
}

func TestResolveTemplatePreservesPercentEncoding(t *testing.T) {
	got := ResolveTemplate("${id}", map[string]string{"id": "a%20b"}, "/x")
	if got != "a%20b" {
		t.Fatalf("percent-encoding should be preserved verbatim, got %q", got)
	}
}
