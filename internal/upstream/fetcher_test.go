package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgevideo/gateway/internal/gwerrors"
	"github.com/edgevideo/gateway/internal/options"
	"github.com/edgevideo/gateway/pkg/httpclient"
)

func newTestClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	return httpclient.New(cfg)
}

func TestFetchSucceedsOnAllowedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fake-mp4-bytes"))
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), "", nil)
	result, err := f.Fetch(context.Background(), srv.URL, options.ModeVideo)
	require.NoError(t, err)
	defer result.Body.Close()

	assert.Equal(t, "video/mp4", result.ContentType)
	body, _ := io.ReadAll(result.Body)
	assert.Equal(t, "fake-mp4-bytes", string(body))
}

func TestFetchRejectsWrongContentTypeForMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), "", nil)
	_, err := f.Fetch(context.Background(), srv.URL, options.ModeVideo)
	require.Error(t, err)

	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindTransformFailed, gwErr.Kind)
}

func TestFetchClassifiesStructuredErrorHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(DefaultErrorHeader, "err=9404")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("resource not found"))
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), "", nil)
	_, err := f.Fetch(context.Background(), srv.URL, options.ModeVideo)
	require.Error(t, err)

	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, gwErr.Status)
	assert.False(t, gwErr.Retryable)
	assert.False(t, gwErr.ShouldFallback)
}

func TestFetchLearnsDurationLimitFromErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(DefaultErrorHeader, "err=9401")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("duration: attribute must be between 500ms and 90s"))
	}))
	defer srv.Close()

	limits := NewLearnedLimits()
	f := NewFetcher(newTestClient(), "", limits)
	_, err := f.Fetch(context.Background(), srv.URL, options.ModeVideo)
	require.Error(t, err)

	current := limits.Current()
	assert.Equal(t, int64(500), current.DurationMinMillis)
	assert.Equal(t, int64(90_000), current.DurationMaxMillis)
}

func TestFetchFallsBackToStatusClassificationWithoutHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), "", nil)
	_, err := f.Fetch(context.Background(), srv.URL, options.ModeVideo)
	require.Error(t, err)

	gwErr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, gwErr.Status)
	assert.True(t, gwErr.Retryable)
	assert.True(t, gwErr.ShouldFallback)
}
