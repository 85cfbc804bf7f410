// Package gwerrors defines the gateway's closed error taxonomy.
//
// Every component on the request-handling path returns a tagged *Error
// instead of an ad hoc error string, so the response builder can map a
// failure to an HTTP status and a stable X-Error-Type header without
// inspecting error text.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of a gateway error.
type Kind string

const (
	// Validation errors: malformed or disallowed request parameters.
	KindInvalidParameter       Kind = "INVALID_PARAMETER"
	KindInvalidMode            Kind = "INVALID_MODE"
	KindInvalidDimension       Kind = "INVALID_DIMENSION"
	KindInvalidTimeValue       Kind = "INVALID_TIME_VALUE"
	KindInvalidOptionCombo     Kind = "INVALID_OPTION_COMBINATION"

	// Resolution errors: origin/source lookup failures.
	KindOriginNotFound     Kind = "ORIGIN_NOT_FOUND"
	KindSourceExhausted    Kind = "SOURCE_EXHAUSTED"
	KindPathResolution     Kind = "PATH_RESOLUTION_FAILED"
	KindAuthMisconfigured  Kind = "AUTH_MISCONFIGURED"

	// Processing errors.
	KindTransformFailed    Kind = "TRANSFORM_FAILED"
	KindURLConstruction    Kind = "URL_CONSTRUCTION_FAILED"
	KindFetchFailed        Kind = "FETCH_FAILED"

	// Not-found.
	KindResourceNotFound Kind = "RESOURCE_NOT_FOUND"

	// Configuration errors.
	KindSchemaInvalid    Kind = "SCHEMA_INVALID"
	KindMissingProperty  Kind = "MISSING_PROPERTY"
	KindInvalidValue     Kind = "INVALID_VALUE"

	// Range errors.
	KindRangeNotSatisfiable Kind = "RANGE_NOT_SATISFIABLE"

	KindUnknown Kind = "UNKNOWN"
)

// defaultStatus maps each Kind to its default HTTP status. Processing errors
// produced by the upstream error-code table carry their own explicit status
// and bypass this table (see NewUpstream).
var defaultStatus = map[Kind]int{
	KindInvalidParameter:    http.StatusBadRequest,
	KindInvalidMode:         http.StatusBadRequest,
	KindInvalidDimension:    http.StatusBadRequest,
	KindInvalidTimeValue:    http.StatusBadRequest,
	KindInvalidOptionCombo:  http.StatusBadRequest,
	KindOriginNotFound:      http.StatusNotFound,
	KindSourceExhausted:     http.StatusNotFound,
	KindPathResolution:      http.StatusNotFound,
	KindAuthMisconfigured:   http.StatusInternalServerError,
	KindTransformFailed:     http.StatusBadGateway,
	KindURLConstruction:     http.StatusInternalServerError,
	KindFetchFailed:         http.StatusBadGateway,
	KindResourceNotFound:    http.StatusNotFound,
	KindSchemaInvalid:       http.StatusBadRequest,
	KindMissingProperty:     http.StatusBadRequest,
	KindInvalidValue:        http.StatusBadRequest,
	KindRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	KindUnknown:             http.StatusInternalServerError,
}

// Error is the gateway's tagged result type. It always carries a Kind and an
// HTTP status, and optionally the offending Field (validation errors) and a
// wrapped cause.
type Error struct {
	Kind    Kind
	Status  int
	Field   string
	Message string
	Cause   error

	// Retryable and ShouldFallback mirror the upstream error-code table
	// for processing errors produced by the upstream fetcher; they are
	// zero-value (false) for all other kinds.
	Retryable      bool
	ShouldFallback bool
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, gwerrors.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error for the given kind with the default status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: defaultStatus[kind], Message: message}
}

// WithField attaches the offending field name (validation errors).
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Wrap wraps err as an *Error of the given kind, preserving err's message
// when msg is empty.
func Wrap(kind Kind, err error, msg string) *Error {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	e := New(kind, msg)
	e.Cause = err
	return e
}

// NewUpstream builds a processing *Error carrying explicit retry/fallback
// semantics from the upstream error-code table, overriding the default
// status for the KindTransformFailed kind.
func NewUpstream(status int, message string, retryable, shouldFallback bool) *Error {
	return &Error{
		Kind:           KindTransformFailed,
		Status:         status,
		Message:        message,
		Retryable:      retryable,
		ShouldFallback: shouldFallback,
	}
}

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// StatusCode returns the HTTP status for err, defaulting to 500 when err is
// not a *Error.
func StatusCode(err error) int {
	if e, ok := As(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
