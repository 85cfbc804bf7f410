// Package upstream fetches the upstream transformation service's response
// and classifies it: success against a content-type allowlist, or failure
// against the upstream's structured err=NNNN error codes. It wraps
// pkg/httpclient's resilient client (circuit breaker, retry/backoff,
// transparent decompression, response-size limiting) rather than
// reimplementing transport resilience.
package upstream

import (
	"net/http"
	"regexp"
	"strconv"
)

// ErrorCode is one upstream-defined structured error code (the table in
// the upstream transformation URL grammar).
type ErrorCode int

const (
	ErrInvalidOptions    ErrorCode = 9401
	ErrOriginTooLarge    ErrorCode = 9402
	ErrResourceNotFound  ErrorCode = 9404
	ErrMalformedURL      ErrorCode = 9406
	ErrDNSError          ErrorCode = 9407
	ErrOrigin4xx         ErrorCode = 9408
	ErrOriginNotMedia    ErrorCode = 9412
	ErrURLFormat         ErrorCode = 9419
	ErrOriginUnreachable ErrorCode = 9504
	ErrOrigin5xx         ErrorCode = 9509
	ErrUpstreamInternalA ErrorCode = 9517
	ErrUpstreamInternalB ErrorCode = 9523
)

// Classification is the {httpStatus, retryable, shouldFallback} triple the
// upstream error-code table maps each code onto.
type Classification struct {
	HTTPStatus     int
	Retryable      bool
	ShouldFallback bool
}

// errorTable mirrors the upstream error-code table. Unknown codes default
// to {retryable:true, shouldFallback:true} (fail-safe: prefer showing
// something), handled in Classify.
var errorTable = map[ErrorCode]Classification{
	ErrInvalidOptions:    {HTTPStatus: http.StatusBadRequest, Retryable: false, ShouldFallback: false},
	ErrOriginTooLarge:    {HTTPStatus: http.StatusBadGateway, Retryable: false, ShouldFallback: true},
	ErrResourceNotFound:  {HTTPStatus: http.StatusNotFound, Retryable: false, ShouldFallback: false},
	ErrMalformedURL:      {HTTPStatus: http.StatusBadRequest, Retryable: false, ShouldFallback: false},
	ErrDNSError:          {HTTPStatus: http.StatusBadGateway, Retryable: true, ShouldFallback: true},
	ErrOrigin4xx:         {HTTPStatus: http.StatusBadGateway, Retryable: false, ShouldFallback: true},
	ErrOriginNotMedia:    {HTTPStatus: http.StatusBadGateway, Retryable: false, ShouldFallback: true},
	ErrURLFormat:         {HTTPStatus: http.StatusBadRequest, Retryable: false, ShouldFallback: false},
	ErrOriginUnreachable: {HTTPStatus: http.StatusBadGateway, Retryable: true, ShouldFallback: true},
	ErrOrigin5xx:         {HTTPStatus: http.StatusBadGateway, Retryable: true, ShouldFallback: true},
	ErrUpstreamInternalA: {HTTPStatus: http.StatusInternalServerError, Retryable: true, ShouldFallback: true},
	ErrUpstreamInternalB: {HTTPStatus: http.StatusInternalServerError, Retryable: true, ShouldFallback: true},
}

// unknownCodeClassification is the fail-safe default for any err=NNNN value
// this table doesn't recognize.
var unknownCodeClassification = Classification{HTTPStatus: http.StatusBadGateway, Retryable: true, ShouldFallback: true}

// Classify maps an upstream error code to its classification, falling back
// to the fail-safe default for unrecognized codes.
func Classify(code ErrorCode) Classification {
	if c, ok := errorTable[code]; ok {
		return c
	}
	return unknownCodeClassification
}

// errHeaderPattern extracts the numeric code from a header value of the
// form "err=NNNN" (possibly with additional semicolon-separated fields).
var errHeaderPattern = regexp.MustCompile(`err=(\d+)`)

// ParseErrorHeader extracts the ErrorCode from the upstream's error header
// value, if present.
func ParseErrorHeader(value string) (ErrorCode, bool) {
	m := errHeaderPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return ErrorCode(n), true
}
