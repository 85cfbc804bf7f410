package recovery

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgevideo/gateway/internal/gwerrors"
	"github.com/edgevideo/gateway/internal/options"
	"github.com/edgevideo/gateway/internal/origin"
	"github.com/edgevideo/gateway/internal/upstream"
)

func testOrigin() origin.Origin {
	return origin.Origin{
		Name: "videos",
		Sources: []origin.Source{
			{Kind: origin.SourceR2, Priority: 1, URL: "r2://bucket/${1}"},
			{Kind: origin.SourceRemote, Priority: 2, URL: "https://remote.example/${1}"},
			{Kind: origin.SourceFallback, Priority: 3, URL: "https://fallback.example/${1}"},
		},
	}
}

func buildURLFor(source origin.Source) (string, error) {
	return "https://upstream.example/transform/" + string(source.Kind), nil
}

func sourceURLFor(source origin.Source) (string, error) {
	return "https://origin.example/" + string(source.Kind), nil
}

func upstreamErr(code upstream.ErrorCode) *gwerrors.Error {
	c := upstream.Classify(code)
	return gwerrors.NewUpstream(c.HTTPStatus, fmt.Sprintf("err=%d: boom", code), c.Retryable, c.ShouldFallback)
}

func TestRunRetriesSameSourceOnRetryableThenSucceeds(t *testing.T) {
	attempts := 0
	m := &Machine{
		BuildTransformURL: buildURLFor,
		BuildSourceURL:    sourceURLFor,
		MaxRetries:        3,
		TransformFetch: func(ctx context.Context, url string, mode options.Mode) (*upstream.Result, error) {
			attempts++
			if attempts < 2 {
				return nil, upstreamErr(upstream.ErrDNSError)
			}
			return &upstream.Result{StatusCode: http.StatusOK}, nil
		},
	}

	out := m.Run(context.Background(), testOrigin(), options.ModeVideo, testOrigin().Sources[0], upstreamErr(upstream.ErrDNSError), nil)
	assert.Equal(t, OutcomeTransformed, out.Kind)
	assert.True(t, out.RetryApplied)
	assert.Equal(t, 2, attempts)
}

func TestRunFallsOverToAltSourceWhenRetriesExhausted(t *testing.T) {
	o := testOrigin()
	m := &Machine{
		BuildTransformURL: buildURLFor,
		BuildSourceURL:    sourceURLFor,
		MaxRetries:        2,
		TransformFetch: func(ctx context.Context, url string, mode options.Mode) (*upstream.Result, error) {
			if url == "https://upstream.example/transform/r2" {
				return nil, upstreamErr(upstream.ErrOriginUnreachable)
			}
			return &upstream.Result{StatusCode: http.StatusOK}, nil
		},
	}

	out := m.Run(context.Background(), o, options.ModeVideo, o.Sources[0], upstreamErr(upstream.ErrOriginUnreachable), nil)
	require.Equal(t, OutcomeTransformed, out.Kind)
	assert.Equal(t, "r2", out.FailedSource)
	assert.Equal(t, "remote", out.AlternativeSource)
}

func TestRunFallsThroughToDirectFetchWhenAllSourcesExhausted(t *testing.T) {
	o := testOrigin()
	m := &Machine{
		BuildTransformURL: buildURLFor,
		BuildSourceURL:    sourceURLFor,
		MaxRetries:        1,
		TransformFetch: func(ctx context.Context, url string, mode options.Mode) (*upstream.Result, error) {
			return nil, upstreamErr(upstream.ErrOrigin5xx)
		},
		DirectFetch: func(ctx context.Context, url string) (*upstream.Result, error) {
			return &upstream.Result{StatusCode: http.StatusOK, ContentType: "video/mp4"}, nil
		},
	}

	out := m.Run(context.Background(), o, options.ModeVideo, o.Sources[0], upstreamErr(upstream.ErrOrigin5xx), nil)
	require.Equal(t, OutcomeFallback, out.Kind)
	assert.True(t, out.FallbackApplied)
}

func TestRunTerminalErrorWhenNonRetryableAndNoFallback(t *testing.T) {
	o := testOrigin()
	m := &Machine{
		BuildTransformURL: buildURLFor,
		BuildSourceURL:    sourceURLFor,
		MaxRetries:        1,
	}

	out := m.Run(context.Background(), o, options.ModeVideo, o.Sources[0], upstreamErr(upstream.ErrInvalidOptions), nil)
	require.Equal(t, OutcomeTerminal, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, http.StatusBadRequest, out.Err.Status)
}

func TestRunFileTooLargeGoesDirectlyToDirectFetch(t *testing.T) {
	o := testOrigin()
	transformCalled := false
	m := &Machine{
		BuildTransformURL: buildURLFor,
		BuildSourceURL:    sourceURLFor,
		MaxRetries:        3,
		TransformFetch: func(ctx context.Context, url string, mode options.Mode) (*upstream.Result, error) {
			transformCalled = true
			return nil, upstreamErr(upstream.ErrOriginTooLarge)
		},
		DirectFetch: func(ctx context.Context, url string) (*upstream.Result, error) {
			return &upstream.Result{StatusCode: http.StatusOK}, nil
		},
	}

	out := m.Run(context.Background(), o, options.ModeVideo, o.Sources[0], upstreamErr(upstream.ErrOriginTooLarge), nil)
	require.Equal(t, OutcomeFallback, out.Kind)
	assert.True(t, out.LargeFile)
	assert.False(t, transformCalled)
}

func TestAltSourceNeverRetriesExcludedSource(t *testing.T) {
	o := testOrigin()
	var seen []string
	m := &Machine{
		BuildTransformURL: buildURLFor,
		BuildSourceURL:    sourceURLFor,
		MaxRetries:        1,
		TransformFetch: func(ctx context.Context, url string, mode options.Mode) (*upstream.Result, error) {
			seen = append(seen, url)
			return nil, upstreamErr(upstream.ErrOrigin5xx)
		},
		DirectFetch: func(ctx context.Context, url string) (*upstream.Result, error) {
			return &upstream.Result{StatusCode: http.StatusOK}, nil
		},
	}

	m.Run(context.Background(), o, options.ModeVideo, o.Sources[0], upstreamErr(upstream.ErrOrigin5xx), nil)
	assert.Equal(t, "https://upstream.example/transform/r2", seen[0])
	assert.Equal(t, "https://upstream.example/transform/remote", seen[1])
	assert.Len(t, seen, 3)
}
