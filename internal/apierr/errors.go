// Package apierr centralizes the error taxonomy from the error-handling
// design: every handler and domain component returns one of these kinds
// rather than an ad-hoc error string, so the HTTP layer can map it to a
// status code in one place.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidArgument    Kind = "InvalidArgument"
	KindConflict           Kind = "Conflict"
	KindNotFound           Kind = "NotFound"
	KindNotApproved        Kind = "NotApproved"
	KindPoolExhausted      Kind = "PoolExhausted"
	KindTrustBelowThresh   Kind = "TrustBelowThreshold"
	KindUnauthorized       Kind = "Unauthorized"
	KindTransient          Kind = "Transient"
	KindInvariantViolation Kind = "InvariantViolated"
)

// Error wraps a Kind with a message and an optional cause, and carries the
// retry-after hint handlers use to shape a response body.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for Transient/PoolExhausted
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Invalid(msg string) *Error         { return New(KindInvalidArgument, msg) }
func Conflict(msg string) *Error        { return New(KindConflict, msg) }
func NotFound(msg string) *Error        { return New(KindNotFound, msg) }
func Unauthorized(msg string) *Error    { return New(KindUnauthorized, msg) }
func Invariant(msg string) *Error       { return New(KindInvariantViolation, msg) }
func Transient(msg string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Cause: cause, RetryAfter: 5}
}
func PoolExhausted(msg string) *Error {
	return &Error{Kind: KindPoolExhausted, Message: msg, RetryAfter: 60}
}

// As extracts an *Error from any error chain, for handlers that need to
// inspect the Kind.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code named in the error design.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindNotApproved:
		return http.StatusForbidden
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTransient:
		return http.StatusInternalServerError
	case KindInvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
