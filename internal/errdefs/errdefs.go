// Package errdefs defines the single discriminated error type used across
// the orchestrator. Adapters map vendor and transport errors into this
// taxonomy exactly once, at the boundary; internal layers propagate without
// rewrapping so the kind and root cause survive to the HTTP edge.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry, breaker, and HTTP translation decisions.
type Kind string

const (
	KindValidation  Kind = "validation"   // malformed request, never retried
	KindAuth        Kind = "auth"         // authentication / authorization failure
	KindNotFound    Kind = "not_found"    // referenced entity does not exist
	KindRateLimited Kind = "rate_limited" // upstream throttle, retry after delay
	KindTransient   Kind = "transient"    // network, 5xx, upstream timeout
	KindCircuitOpen Kind = "circuit_open" // dependency quarantined
	KindTimeout     Kind = "timeout"      // deadline exceeded
	KindCancelled   Kind = "cancelled"    // caller cancelled
	KindConflict    Kind = "conflict"     // optimistic concurrency precondition
	KindInternal    Kind = "internal"     // invariant violation
)

// Error is the discriminated error carried through every layer.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is set for KindRateLimited (how long the upstream asked us
	// to back off) and KindCircuitOpen (time until the next probe).
	RetryAfter time.Duration
	// NextAttemptAt is set for KindCircuitOpen.
	NextAttemptAt time.Time
	// Cause is the wrapped root cause, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on kind sentinels produced by the helpers below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// ──────────────────────────────────────────────────────────────────────────────
// Constructors
// ──────────────────────────────────────────────────────────────────────────────

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to a root cause. If err is already an *Error it is
// returned unchanged: classification happens once, at the boundary.
func Wrap(kind Kind, msg string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: kind, Message: msg, Cause: err}
}

func Validation(msg string) *Error { return New(KindValidation, msg) }
func Validationf(format string, args ...interface{}) *Error {
	return Newf(KindValidation, format, args...)
}
func Auth(msg string) *Error     { return New(KindAuth, msg) }
func NotFound(msg string) *Error { return New(KindNotFound, msg) }
func Conflict(msg string) *Error { return New(KindConflict, msg) }
func Timeout(msg string) *Error { return New(KindTimeout, msg) }

func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

func Cancelled(msg string) *Error { return New(KindCancelled, msg) }

func Transient(msg string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Cause: cause}
}

func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfter}
}

func CircuitOpen(name string, nextAttempt time.Time) *Error {
	return &Error{
		Kind:          KindCircuitOpen,
		Message:       fmt.Sprintf("circuit %q is open", name),
		NextAttemptAt: nextAttempt,
		RetryAfter:    time.Until(nextAttempt),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Classification
// ──────────────────────────────────────────────────────────────────────────────

// KindOf returns the kind of err, or KindInternal for unclassified errors.
// Context errors are recognized so deadline expiry anywhere in a call chain
// surfaces as Timeout, and caller cancellation as Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether the fabric may retry the operation. Only
// Transient and RateLimited errors qualify; everything else, including
// Timeout, fails fast.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// RetryAfterOf returns the minimum wait demanded by a RateLimited error.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromHTTPStatus maps an HTTP response status to the taxonomy. Adapters call
// this with the response status code; they never inspect client error types.
func FromHTTPStatus(status int, msg string, retryAfter time.Duration) *Error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Auth(msg)
	case status == http.StatusNotFound:
		return NotFound(msg)
	case status == http.StatusConflict:
		return Conflict(msg)
	case status == http.StatusUnprocessableEntity:
		return Validation(msg)
	case status == http.StatusTooManyRequests:
		return RateLimited(msg, retryAfter)
	case status >= 500:
		return Transient(msg, fmt.Errorf("upstream status %d", status))
	case status >= 400:
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("%s (status %d)", msg, status)}
	}
	return Internal(fmt.Sprintf("%s (unexpected status %d)", msg, status), nil)
}

// HTTPStatus translates a kind to the status code served at the boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
