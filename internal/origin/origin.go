// Package origin resolves a request path to a configured Origin and
// enumerates its Sources. Origins are loaded from the active configuration
// snapshot and held read-only; the resolver itself performs no I/O.
package origin

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/edgevideo/gateway/internal/gwerrors"
)

// SourceKind tags the variant of a Source.
type SourceKind string

const (
	SourceR2       SourceKind = "r2"
	SourceRemote   SourceKind = "remote"
	SourceFallback SourceKind = "fallback"
)

// AuthType enumerates the supported source authentication schemes.
type AuthType string

const (
	AuthNone               AuthType = "none"
	AuthAWSS3              AuthType = "aws-s3"
	AuthAWSS3PresignedURL  AuthType = "aws-s3-presigned-url"
	AuthBearer             AuthType = "bearer"
	AuthBasic              AuthType = "basic"
	AuthTokenQuery         AuthType = "token-query"
	AuthHeader             AuthType = "header"
)

// Auth carries a source's authentication configuration. CredentialRefs name
// process-level secrets resolved by the host; the resolver never sees raw
// credential values.
type Auth struct {
	Enabled          bool
	Type             AuthType
	CredentialRefs   map[string]string
	Region           string
	Service          string
	ExpiresInSeconds int
}

// TtlPolicy buckets the cache TTL by response status class.
type TtlPolicy struct {
	OK             int
	Redirects      int
	ClientError    int
	ServerError    int
	UseTtlByStatus bool
}

// Source is one tagged entry in an Origin's ordered fetch chain.
type Source struct {
	Kind     SourceKind
	Priority int

	// R2
	BucketBinding string

	// Remote/Fallback
	URL string

	// Path is a template containing ${name} references substituted from
	// origin captures, plus the literal token ${request_path}.
	Path    string
	Headers map[string]string
	Auth    Auth
}

// Origin binds a path matcher to an ordered chain of Sources.
type Origin struct {
	Name          string
	Matcher       *regexp.Regexp
	CaptureGroups []string
	Sources       []Source
	TTL           TtlPolicy
	Cacheable     bool
	Quality       string
	VideoCompression string
	ProcessPath   bool
}

// Exclusion identifies one (origin, source) pair to skip during resolution,
// used by error recovery to avoid retrying a source that already failed for
// this request.
type Exclusion struct {
	OriginName     string
	SourceKind     SourceKind
	SourcePriority int
}

// Resolver matches paths against a fixed, ordered list of Origins.
type Resolver struct {
	origins []Origin
}

// New builds a Resolver over origins, preserving document order for
// first-match resolution and pre-sorting each Origin's sources ascending by
// priority.
func New(origins []Origin) *Resolver {
	sorted := make([]Origin, len(origins))
	for i, o := range origins {
		src := make([]Source, len(o.Sources))
		copy(src, o.Sources)
		sort.SliceStable(src, func(a, b int) bool { return src[a].Priority < src[b].Priority })
		o.Sources = src
		sorted[i] = o
	}
	return &Resolver{origins: sorted}
}

// Match finds the first Origin (by document order) whose matcher matches
// path, returning the origin and its captures, keyed both by name (named
// groups and CaptureGroups) and by 1-based group position ("1", "2", ...).
func (r *Resolver) Match(path string) (Origin, map[string]string, error) {
	for _, o := range r.origins {
		m := o.Matcher.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		captures := make(map[string]string, len(o.CaptureGroups))
		names := o.Matcher.SubexpNames()
		for i, name := range names {
			if i == 0 || i >= len(m) {
				continue
			}
			captures[strconv.Itoa(i)] = m[i]
			if name != "" {
				captures[name] = m[i]
			}
		}
		for i, name := range o.CaptureGroups {
			if i+1 < len(m) {
				captures[name] = m[i+1]
			}
		}
		return o, captures, nil
	}
	return Origin{}, nil, gwerrors.New(gwerrors.KindOriginNotFound, fmt.Sprintf("no origin matches path %q", path))
}

// Sources returns origin's sources in ascending priority order, skipping
// any present in excluded.
func Sources(o Origin, excluded []Exclusion) ([]Source, error) {
	out := make([]Source, 0, len(o.Sources))
	for _, s := range o.Sources {
		if isExcluded(o.Name, s, excluded) {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, gwerrors.New(gwerrors.KindSourceExhausted, fmt.Sprintf("no usable source for origin %q", o.Name))
	}
	return out, nil
}

func isExcluded(originName string, s Source, excluded []Exclusion) bool {
	for _, e := range excluded {
		if e.OriginName == originName && e.SourceKind == s.Kind && e.SourcePriority == s.Priority {
			return true
		}
	}
	return false
}

// captureRef matches ${name}, ${1}, ${request_path}, and ${name:default}.
var captureRef = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// ResolveTemplate substitutes ${name} references in template from captures,
// ${request_path} with requestPath, positional ${1}/${2}/... with numbered
// captures (1-indexed into the origin's ordered capture groups), and
// ${name:default} with a literal default when the named capture is absent
// or empty. Existing percent-encoding in captures is preserved verbatim.
func ResolveTemplate(template string, captures map[string]string, requestPath string) string {
	return captureRef.ReplaceAllStringFunc(template, func(match string) string {
		groups := captureRef.FindStringSubmatch(match)
		name, def := groups[1], groups[2]

		if name == "request_path" {
			return requestPath
		}

		if v, ok := resolvePositional(name, captures); ok {
			return v
		}

		if v, ok := captures[name]; ok && v != "" {
			return v
		}
		if strings.Contains(match, ":") {
			return def
		}
		return ""
	})
}

// resolvePositional resolves ${1}, ${2}, ... against captures keyed by
// "1", "2", ... (the convention used when an Origin's matcher has
// unnamed capture groups addressed by position).
func resolvePositional(name string, captures map[string]string) (string, bool) {
	if _, err := strconv.Atoi(name); err != nil {
		return "", false
	}
	v, ok := captures[name]
	return v, ok
}
