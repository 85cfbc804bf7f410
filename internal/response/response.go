// Package response finalizes the HTTP response for a gateway request: it
// stamps cache-control, recovery-outcome, and debug headers, resolves the
// status/content-type pair, and writes the body. It is the single place
// that turns a pipeline Result or a *gwerrors.Error into bytes on the wire.
package response

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/edgevideo/gateway/internal/gwcontext"
	"github.com/edgevideo/gateway/internal/gwerrors"
	"github.com/edgevideo/gateway/internal/origin"
	"github.com/edgevideo/gateway/internal/rangeadapter"
	"github.com/edgevideo/gateway/internal/recovery"
)

// CacheStatus reports how the response body was sourced.
type CacheStatus string

const (
	CacheHit    CacheStatus = "HIT"
	CacheMiss   CacheStatus = "MISS"
	CacheBypass CacheStatus = "BYPASS"
)

// DebugQueryParam, when set to DebugViewValue, replaces the body with a
// JSON diagnostics dump regardless of the underlying result.
const (
	DebugQueryParam = "debug"
	DebugViewValue  = "view"
)

// Result is everything the builder needs to finish a successful response.
// For an error response, pass a *gwerrors.Error to Write instead of a Result.
type Result struct {
	StatusCode    int
	ContentType   string
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown (streamed upstream body)

	CacheStatus CacheStatus
	TTL         origin.TtlPolicy

	// Range is set when this response satisfies a byte-range request.
	// TotalLength is the full resource length, used for Content-Range.
	Range       *rangeadapter.ByteRange
	TotalLength int64

	// Recovery carries the error-recovery outcome when the hot path
	// transformed the response after a retry, failover, or fallback.
	Recovery *recovery.Outcome
}

// Builder finalizes and writes responses.
type Builder struct{}

// errorBody is the JSON shape of every 4xx/5xx response body.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// Write finalizes result (or, if err is non-nil, an error response for err)
// against w, honoring the debug=view query override. gc supplies breadcrumbs,
// diagnostics, and the debug/verbose flags; it may be nil for a request that
// never reached context construction (e.g. routing failure).
func (b *Builder) Write(w http.ResponseWriter, r *http.Request, gc *gwcontext.Context, result Result, err *gwerrors.Error) error {
	if r.URL.Query().Get(DebugQueryParam) == DebugViewValue {
		return b.writeDebugView(w, gc, result, err)
	}
	if err != nil {
		return b.writeError(w, err)
	}
	return b.writeResult(w, gc, result)
}

func (b *Builder) writeError(w http.ResponseWriter, err *gwerrors.Error) error {
	w.Header().Set("X-Error-Type", string(err.Kind))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	return json.NewEncoder(w).Encode(errorBody{
		Error:      string(err.Kind),
		Message:    err.Message,
		StatusCode: err.Status,
	})
}

func (b *Builder) writeResult(w http.ResponseWriter, gc *gwcontext.Context, result Result) error {
	if result.Body != nil {
		defer result.Body.Close()
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	if result.ContentType != "" {
		h.Set("Content-Type", result.ContentType)
	}
	h.Set("X-Cache-Status", string(result.CacheStatus))
	h.Set("Cache-Control", CacheControlHeader(result.TTL, result.StatusCode))

	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if result.Range != nil {
		status = http.StatusPartialContent
		h.Set("Content-Range", rangeadapter.ContentRangeHeader(*result.Range, result.TotalLength))
		h.Set("Content-Length", fmt.Sprintf("%d", result.Range.End-result.Range.Start+1))
	} else if result.ContentLength >= 0 {
		h.Set("Content-Length", fmt.Sprintf("%d", result.ContentLength))
	}

	stampRecoveryHeaders(h, result.Recovery)
	if gc != nil {
		stampDebugHeaders(h, gc)
	}

	w.WriteHeader(status)
	if result.Body == nil {
		return nil
	}
	_, err := io.Copy(w, result.Body)
	return err
}

// stampRecoveryHeaders sets the outcome headers described for the
// error-recovery state machine. outcome is nil on the plain cache-hit/miss
// path where no recovery was attempted.
func stampRecoveryHeaders(h http.Header, outcome *recovery.Outcome) {
	if outcome == nil {
		return
	}
	if outcome.RetryApplied {
		h.Set("X-Retry-Applied", "true")
		h.Set("X-Failed-Source", outcome.FailedSource)
		h.Set("X-Alternative-Source", outcome.AlternativeSource)
	}
	if outcome.FallbackApplied {
		h.Set("X-Fallback-Applied", "true")
		h.Set("X-Bypass-Cache-API", "true")
		if outcome.LargeFile {
			h.Set("X-Direct-Stream-Only", "true")
		}
	}
	if outcome.LargeFile {
		h.Set("X-Video-Too-Large", "true")
		h.Set("X-Video-Exceeds-256MiB", "true")
		h.Set("X-File-Size-Error", "true")
	}
}

// stampDebugHeaders sets X-Response-Time on every response and, only when
// the request asked for debug output, adds one X-Breadcrumb-<Category>
// header per distinct breadcrumb category.
func stampDebugHeaders(h http.Header, gc *gwcontext.Context) {
	h.Set("X-Response-Time", gc.Elapsed().String())
	if !gc.Debug {
		return
	}
	byCategory := make(map[string][]string)
	for _, bc := range gc.Breadcrumbs() {
		byCategory[bc.Category] = append(byCategory[bc.Category], bc.Message)
	}
	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		headerName := "X-Breadcrumb-" + headerCase(category)
		h.Set(headerName, joinMessages(byCategory[category]))
	}
}

// headerCase upper-cases the first rune of a breadcrumb category so it
// reads as a canonical header name (e.g. "cache" -> "Cache").
func headerCase(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

func joinMessages(messages []string) string {
	out := messages[0]
	for _, m := range messages[1:] {
		out += "; " + m
	}
	return out
}

// CacheControlHeader derives the Cache-Control value from ttl for a response
// carrying statusCode. Errors (4xx/5xx) are always no-store; 2xx/3xx use the
// matching TtlPolicy bucket when UseTtlByStatus is set, else OK.
func CacheControlHeader(ttl origin.TtlPolicy, statusCode int) string {
	if statusCode >= 400 {
		return "no-store"
	}
	seconds := ttl.OK
	if ttl.UseTtlByStatus {
		switch {
		case statusCode >= 300 && statusCode < 400:
			seconds = ttl.Redirects
		case statusCode >= 200 && statusCode < 300:
			seconds = ttl.OK
		}
	}
	if seconds <= 0 {
		return "no-store"
	}
	return fmt.Sprintf("public, max-age=%d", seconds)
}

// diagnosticsDump is the JSON shape written for debug=view.
type diagnosticsDump struct {
	RequestID   string                 `json:"requestId"`
	ElapsedMS   int64                  `json:"elapsedMs"`
	Diagnostics map[string]any         `json:"diagnostics"`
	Breadcrumbs []gwcontext.Breadcrumb `json:"breadcrumbs"`
	Error       *errorBody             `json:"error,omitempty"`
}

func (b *Builder) writeDebugView(w http.ResponseWriter, gc *gwcontext.Context, result Result, err *gwerrors.Error) error {
	dump := diagnosticsDump{}
	if gc != nil {
		dump.RequestID = gc.ID
		dump.ElapsedMS = gc.Elapsed().Milliseconds()
		dump.Diagnostics = gc.Diagnostics()
		dump.Breadcrumbs = gc.Breadcrumbs()
	}
	status := http.StatusOK
	if err != nil {
		dump.Error = &errorBody{Error: string(err.Kind), Message: err.Message, StatusCode: err.Status}
		status = err.Status
	} else if result.StatusCode != 0 {
		status = result.StatusCode
	}
	if result.Body != nil {
		result.Body.Close()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(dump)
}
