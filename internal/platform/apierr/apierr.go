// Package apierr carries HTTP status and machine-readable codes alongside
// domain errors, and renders them in the {success, data|error} envelope.
package apierr

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Error codes shared between the reservation, billing and booking packages.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeHoldConflict        = "THERAPIST_HOLD_CONFLICT"
	CodeSessionConflict     = "THERAPIST_CONFLICT"
	CodeHoldNotFound        = "HOLD_NOT_FOUND"
	CodeHoldExpired         = "HOLD_EXPIRED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeNotRegistered       = "NOT_REGISTERED"
	CodePersistenceFailed   = "BILLING_PERSISTENCE_FAILED"
	CodeIdempotencyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is an error annotated with an HTTP status, an optional code and,
// for conflicts, retry guidance.
type Error struct {
	Status     int
	Code       string
	Message    string
	RetryAfter *time.Time
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfterSeconds returns ceil(RetryAfter - now) floored at zero, or nil
// when no retry instant is attached.
func (e *Error) RetryAfterSeconds(now time.Time) *int {
	if e.RetryAfter == nil {
		return nil
	}
	secs := int(math.Ceil(e.RetryAfter.Sub(now).Seconds()))
	if secs < 0 {
		secs = 0
	}
	return &secs
}

// New builds an Error with the given status, code and message.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Wrap attaches status and code to err, keeping err's message.
func Wrap(err error, status int, code string) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(http.StatusBadRequest, CodeValidation, fmt.Sprintf(format, args...))
}

// Conflict builds a 409 error carrying the instant the conflicting record ends.
func Conflict(code, message string, retryAfter time.Time) *Error {
	ra := retryAfter.UTC()
	return &Error{Status: http.StatusConflict, Code: code, Message: message, RetryAfter: &ra}
}

// StatusOf returns the HTTP status attached to err, or 500.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status != 0 {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code attached to err, if any.
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
