// Package rangeadapter parses a single HTTP Range request and serves the
// requested byte window, either from a chunked cache.Store entry (via its
// OpenRange) or by slicing a direct, non-seekable upstream stream
// (ServeDirectRange). Only a single range is supported; multi-range
// requests and anything else malformed are rejected as
// RangeNotSatisfiable.
package rangeadapter

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/edgevideo/gateway/internal/cache"
	"github.com/edgevideo/gateway/internal/gwerrors"
)

// ByteRange is an inclusive [Start, End] byte window.
type ByteRange struct {
	Start int64
	End   int64
}

const rangeUnitPrefix = "bytes="

// ParseByteRange parses the Range header value against totalLength.
// Returns (_, false, nil) when header is empty (no range requested), or a
// *gwerrors.Error of KindRangeNotSatisfiable for anything malformed,
// multi-range, or out of bounds.
func ParseByteRange(header string, totalLength int64) (ByteRange, bool, error) {
	if header == "" {
		return ByteRange{}, false, nil
	}
	if !strings.HasPrefix(header, rangeUnitPrefix) {
		return ByteRange{}, false, notSatisfiable("unsupported range unit")
	}

	spec := strings.TrimPrefix(header, rangeUnitPrefix)
	if strings.Contains(spec, ",") {
		return ByteRange{}, false, notSatisfiable("multiple ranges not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return ByteRange{}, false, notSatisfiable("malformed range")
	}
	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	var start, end int64
	switch {
	case startStr == "" && endStr != "":
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false, notSatisfiable("malformed suffix range")
		}
		start = totalLength - n
		if start < 0 {
			start = 0
		}
		end = totalLength - 1

	case startStr != "" && endStr == "":
		s, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return ByteRange{}, false, notSatisfiable("malformed range start")
		}
		start, end = s, totalLength-1

	case startStr != "" && endStr != "":
		s, errS := strconv.ParseInt(startStr, 10, 64)
		e, errE := strconv.ParseInt(endStr, 10, 64)
		if errS != nil || errE != nil {
			return ByteRange{}, false, notSatisfiable("malformed range bounds")
		}
		start, end = s, e

	default:
		return ByteRange{}, false, notSatisfiable("malformed range")
	}

	if start < 0 || start > end || start >= totalLength {
		return ByteRange{}, false, notSatisfiable(fmt.Sprintf("range not satisfiable against length %d", totalLength))
	}
	if end >= totalLength {
		end = totalLength - 1
	}
	return ByteRange{Start: start, End: end}, true, nil
}

func notSatisfiable(msg string) *gwerrors.Error {
	return gwerrors.New(gwerrors.KindRangeNotSatisfiable, msg).WithField("range")
}

// ContentRangeHeader formats the Content-Range header value for a
// satisfied range.
func ContentRangeHeader(r ByteRange, totalLength int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, totalLength)
}

// UnsatisfiableContentRange formats the Content-Range header value used
// alongside a 416 response.
func UnsatisfiableContentRange(totalLength int64) string {
	return fmt.Sprintf("bytes */%d", totalLength)
}

// ServeDirectRange slices br out of a direct, non-seekable upstream
// stream by discarding bytes up to br.Start and limiting the result to the
// slice length. Used when the body source is a live HTTP response rather
// than the chunked KV cache.
func ServeDirectRange(src io.Reader, br ByteRange) (io.Reader, error) {
	if br.Start > 0 {
		if _, err := io.CopyN(io.Discard, src, br.Start); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindFetchFailed, err, "discarding bytes before range start")
		}
	}
	return io.LimitReader(src, br.End-br.Start+1), nil
}

// CacheRangeSource is the subset of cache.Store needed to serve a byte
// window from a cached entry.
type CacheRangeSource interface {
	OpenRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, cache.Metadata, error)
}

// ResolveCacheRange parses rangeHeader against totalLength and, if a range
// was requested, opens that byte window from store. The bool return
// reports whether a range was present; when false the caller should serve
// the full body instead (e.g. via store.Open).
func ResolveCacheRange(ctx context.Context, store CacheRangeSource, key, rangeHeader string, totalLength int64) (io.ReadCloser, ByteRange, bool, error) {
	br, present, err := ParseByteRange(rangeHeader, totalLength)
	if err != nil {
		return nil, ByteRange{}, false, err
	}
	if !present {
		return nil, ByteRange{}, false, nil
	}

	reader, _, err := store.OpenRange(ctx, key, br.Start, br.End)
	if err != nil {
		return nil, ByteRange{}, false, gwerrors.Wrap(gwerrors.KindFetchFailed, err, "")
	}
	return reader, br, true, nil
}
