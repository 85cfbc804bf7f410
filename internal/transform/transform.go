// Package transform builds the upstream transformation URL from a resolved
// Options value and an origin-source URL: a base path, an alphabetically
// ordered comma-separated parameter segment, and the (possibly presigned)
// source URL.
package transform

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/edgevideo/gateway/internal/options"
)

// EncodeTimeString normalizes a parsed duration in seconds to the upstream
// grammar: "Ns" for N < 60, "Mm" otherwise. Fractions are preserved in
// both forms (90 seconds encodes as "1.5m").
func EncodeTimeString(seconds float64) string {
	if seconds < 60 {
		return formatFloat(seconds) + "s"
	}
	minutes := seconds / 60
	return formatFloat(minutes) + "m"
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	return s
}

// Param is one canonical key=value pair destined for the upstream URL's
// parameter segment.
type Param struct {
	Key   string
	Value string
}

// BuildParams extracts the subset of Options fields that materially affect
// the transformation output, in their canonical (Options field) names, with
// set booleans rendered as "true" and time fields normalized through
// EncodeTimeString. Zero-value/unset fields, false booleans included, are
// omitted entirely.
func BuildParams(opt options.Options, timeSeconds, durationSeconds *float64) []Param {
	var params []Param

	add := func(k, v string) { params = append(params, Param{Key: k, Value: v}) }

	if opt.Mode != "" {
		add("mode", string(opt.Mode))
	}
	if opt.Width != 0 {
		add("width", strconv.Itoa(opt.Width))
	}
	if opt.Height != 0 {
		add("height", strconv.Itoa(opt.Height))
	}
	if opt.Fit != "" {
		add("fit", string(opt.Fit))
	}
	if opt.Format != "" {
		add("format", string(opt.Format))
	}
	if opt.Quality != "" {
		add("quality", string(opt.Quality))
	}
	if opt.Compression != "" {
		add("compression", string(opt.Compression))
	}
	if timeSeconds != nil {
		add("time", EncodeTimeString(*timeSeconds))
	}
	if durationSeconds != nil {
		add("duration", EncodeTimeString(*durationSeconds))
	}
	if opt.Audio {
		add("audio", "true")
	}
	if opt.Loop {
		add("loop", "true")
	}
	if opt.Autoplay {
		add("autoplay", "true")
	}
	if opt.Muted {
		add("muted", "true")
	}

	sort.Slice(params, func(i, j int) bool { return params[i].Key < params[j].Key })
	return params
}

// BuildUpstreamURL assembles "<cdnBase>/<k>=<v>,<k>=<v>,.../<sourceURL>[?v=<version>]".
// sourceURL is embedded as-is (it may already carry its own query string,
// e.g. a presigned URL); version, when greater than 1, is appended as the
// upstream URL's own query parameter.
func BuildUpstreamURL(cdnBase string, params []Param, sourceURL string, version uint64) string {
	segments := make([]string, len(params))
	for i, p := range params {
		segments[i] = fmt.Sprintf("%s=%s", strings.ToLower(p.Key), urlSafe(p.Value))
	}
	paramSegment := strings.Join(segments, ",")

	base := strings.TrimSuffix(cdnBase, "/")
	u := fmt.Sprintf("%s/%s/%s", base, paramSegment, sourceURL)
	if version > 1 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u = fmt.Sprintf("%s%sv=%d", u, sep, version)
	}
	return u
}

// urlSafe escapes a parameter value for embedding in a path segment,
// leaving already-safe characters untouched.
func urlSafe(v string) string {
	return url.PathEscape(v)
}
