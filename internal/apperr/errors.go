// Package apperr defines the error taxonomy shared by every component of the
// payment engine and the retry policy derived from it.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error by how callers should react to it
type Kind string

const (
	KindInternal      Kind = "internal"
	KindTransient     Kind = "transient"
	KindExternal      Kind = "external"
	KindRateLimited   Kind = "rate_limited"
	KindValidation    Kind = "validation"
	KindSecurity      Kind = "security"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindConfiguration Kind = "configuration"
	KindUnavailable   Kind = "unavailable"
)

// Error is a classified error. Message is safe to show to API callers;
// Err carries the internal cause and is only logged.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, message string) *Error    { return New(KindValidation, op, message) }
func Security(op, message string) *Error      { return New(KindSecurity, op, message) }
func Conflict(op, message string) *Error      { return New(KindConflict, op, message) }
func NotFound(op, message string) *Error      { return New(KindNotFound, op, message) }
func Configuration(op, message string) *Error { return New(KindConfiguration, op, message) }

// External marks a failed call to a dependency
func External(op string, err error) *Error {
	return Wrap(KindExternal, op, err)
}

// RateLimited marks an explicit throttling signal. retryAfter may be zero
// when the dependency did not advertise a delay.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// Unavailable is returned without invoking a dependency whose breaker is open
// or which an operator marked unavailable.
func Unavailable(op, dependency string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindUnavailable,
		Op:         op,
		Message:    fmt.Sprintf("dependency %s temporarily unavailable", dependency),
		RetryAfter: retryAfter,
	}
}

// KindOf returns the kind of err. Context cancellation and deadlines are
// transient; unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindInternal
}

// Is reports whether err is of the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether an automatic retry may succeed
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindExternal, KindRateLimited, KindUnavailable:
		return true
	}
	return false
}

// CountsAsFailure reports whether err should count against a dependency's health.
// Caller mistakes (validation, not found, conflicts) say nothing about the dependency.
func CountsAsFailure(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindExternal, KindRateLimited, KindInternal:
		return true
	}
	return false
}

// RetryAfterOf returns the advertised retry delay, if any
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// PublicMessage returns a caller-safe message. Security failures never
// reveal which check failed.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	switch e.Kind {
	case KindSecurity:
		return "Request rejected"
	case KindTransient, KindExternal, KindUnavailable:
		return "Temporarily unavailable, retry later"
	case KindRateLimited:
		return "Too many requests, retry later"
	case KindInternal, KindConfiguration:
		return "Internal server error"
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// HTTPStatus maps an error onto the status code returned to API callers
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindSecurity:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient, KindExternal, KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
