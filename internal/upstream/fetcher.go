package upstream

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/edgevideo/gateway/internal/gwerrors"
	"github.com/edgevideo/gateway/internal/options"
	"github.com/edgevideo/gateway/pkg/httpclient"
)

// DefaultErrorHeader is the response header the upstream transformation
// service uses to carry a structured err=NNNN failure code.
const DefaultErrorHeader = "Cdn-Media-Transform-Error"

// allowedContentTypes lists the content-type prefixes accepted as a
// successful transform response, keyed by the requested Options.Mode.
var allowedContentTypes = map[options.Mode][]string{
	options.ModeVideo:       {"video/", "application/x-mpegurl", "application/dash+xml", "application/vnd.apple.mpegurl"},
	options.ModeFrame:       {"image/"},
	options.ModeSpritesheet: {"image/"},
	options.ModeAudio:       {"audio/"},
}

// Result is a successful fetch: the raw response body (caller owns Close)
// together with its content type and length, as needed by the cache writer
// and the range adapter.
type Result struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	StatusCode    int
}

// Fetcher performs the upstream transformation HTTP call and classifies its
// outcome. It wraps pkg/httpclient's resilient Client rather than
// reimplementing retries, circuit breaking, or decompression.
type Fetcher struct {
	client      *httpclient.Client
	errorHeader string
	limits      *LearnedLimits
}

// NewFetcher builds a Fetcher around an existing resilient client. errorHeader
// defaults to DefaultErrorHeader when empty.
func NewFetcher(client *httpclient.Client, errorHeader string, limits *LearnedLimits) *Fetcher {
	if errorHeader == "" {
		errorHeader = DefaultErrorHeader
	}
	return &Fetcher{client: client, errorHeader: errorHeader, limits: limits}
}

// Fetch requests url and classifies the response. Success requires a 2xx
// status AND a content type within the allowlist for mode; otherwise the
// upstream's structured error header (or, lacking one, the raw HTTP status)
// is classified into a *gwerrors.Error carrying retry/fallback semantics.
//
// On failure the response body is drained and closed before returning.
func (f *Fetcher) Fetch(ctx context.Context, url string, mode options.Mode) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindURLConstruction, err, "").WithField("url")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// The client consumes retryable statuses (429, 502, 503, 504) and
		// transport failures itself; classify what it gives up on like a raw 5xx.
		fetchErr := gwerrors.Wrap(gwerrors.KindFetchFailed, err, "upstream request failed")
		fetchErr.Retryable, fetchErr.ShouldFallback = true, true
		return nil, fetchErr
	}

	if isSuccess(resp, mode) {
		return &Result{
			Body:          resp.Body,
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: resp.ContentLength,
			StatusCode:    resp.StatusCode,
		}, nil
	}

	defer resp.Body.Close()
	bodyText := f.drainText(resp.Body)

	if f.limits != nil && bodyText != "" {
		f.limits.LearnFromErrorText(bodyText)
	}

	code, classification, hasCode := f.classifyResponse(resp, bodyText)
	message := bodyText
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}
	if hasCode {
		message = fmt.Sprintf("err=%d: %s", code, message)
	}

	return nil, gwerrors.NewUpstream(classification.HTTPStatus, message, classification.Retryable, classification.ShouldFallback)
}

// classifyResponse derives a Classification from the upstream's structured
// error header when present, falling back to the raw HTTP status.
func (f *Fetcher) classifyResponse(resp *http.Response, bodyText string) (ErrorCode, Classification, bool) {
	if header := resp.Header.Get(f.errorHeader); header != "" {
		if code, ok := ParseErrorHeader(header); ok {
			return code, Classify(code), true
		}
	}
	if code, ok := ParseErrorHeader(bodyText); ok {
		return code, Classify(code), true
	}
	return 0, classificationForStatus(resp.StatusCode), false
}

// classificationForStatus approximates retry/fallback semantics for a raw
// HTTP status when the upstream didn't supply a structured error code.
func classificationForStatus(status int) Classification {
	switch {
	case status >= 500:
		return Classification{HTTPStatus: status, Retryable: true, ShouldFallback: true}
	case status == http.StatusTooManyRequests:
		return Classification{HTTPStatus: status, Retryable: true, ShouldFallback: false}
	case status >= 400:
		return Classification{HTTPStatus: status, Retryable: false, ShouldFallback: false}
	default:
		return unknownCodeClassification
	}
}

// drainText reads up to 4KiB of the response body for error-message
// inspection; it never fails the fetch on a read error.
func (f *Fetcher) drainText(body io.Reader) string {
	buf := make([]byte, 4096)
	n, _ := io.ReadFull(body, buf)
	return string(buf[:n])
}

// isSuccess reports whether resp is a 2xx response whose content type is
// within the allowlist for mode.
func isSuccess(resp *http.Response, mode options.Mode) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	contentType := resp.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	for _, prefix := range allowedContentTypes[mode] {
		if strings.HasPrefix(mt, prefix) {
			return true
		}
	}
	return false
}
