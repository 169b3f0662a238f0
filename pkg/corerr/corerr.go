// Package corerr defines the error kinds the coordination core returns.
// Every operational failure is surfaced as a *CoreError carrying the kind,
// tenant context, and an HTTP status a thin handler layer can map directly;
// the core itself never serves HTTP.
package corerr

import (
	"fmt"
	"net/http"
)

// Kind identifies the class of failure, matching the Error Kinds table.
type Kind string

const (
	KindConnectionError    Kind = "connection_error"
	KindAuthError          Kind = "auth_error"
	KindTimeoutError       Kind = "timeout_error"
	KindPoolExhausted      Kind = "pool_exhausted"
	KindCircuitBreakerOpen Kind = "circuit_breaker_open"
	KindIsolationViolation Kind = "project_isolation_violation"
	KindScriptMissing      Kind = "script_missing"
	KindQueueFull          Kind = "queue_full"
	KindProjectQueueFull   Kind = "project_queue_full"
	KindKeyNotFound        Kind = "key_not_found"
	KindInvalidArgument    Kind = "invalid_argument"
)

// CoreError is the single error type the core returns to callers.
type CoreError struct {
	Kind      Kind
	Tenant    string
	Message   string
	Retryable bool
	cause     error
}

func (e *CoreError) Error() string {
	if e.Tenant != "" {
		return fmt.Sprintf("[%s] %s (tenant=%s)", e.Kind, e.Message, e.Tenant)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (e *CoreError) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error kind to the status code a caller-owned HTTP
// layer should return. Timeouts and connection errors map to 503 with
// retry hints; isolation violations map to 400.
func (e *CoreError) HTTPStatus() int {
	switch e.Kind {
	case KindConnectionError, KindTimeoutError, KindCircuitBreakerOpen, KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindAuthError:
		return http.StatusUnauthorized
	case KindIsolationViolation, KindInvalidArgument:
		return http.StatusBadRequest
	case KindQueueFull, KindProjectQueueFull:
		return http.StatusTooManyRequests
	case KindKeyNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func new(kind Kind, tenant, message string, retryable bool, cause error) *CoreError {
	return &CoreError{Kind: kind, Tenant: tenant, Message: message, Retryable: retryable, cause: cause}
}

// NewConnectionError wraps a transport-level failure. Retryable via the
// breaker; once the breaker opens, callers fail fast instead.
func NewConnectionError(tenant, message string, cause error) *CoreError {
	return new(KindConnectionError, tenant, message, true, cause)
}

// NewAuthError marks a non-retryable credential failure.
func NewAuthError(tenant, message string, cause error) *CoreError {
	return new(KindAuthError, tenant, message, false, cause)
}

// NewTimeoutError marks an operation that exceeded its bound; counts as a
// breaker failure and is retried by the queue per its own policy.
func NewTimeoutError(tenant, message string, cause error) *CoreError {
	return new(KindTimeoutError, tenant, message, true, cause)
}

// NewPoolExhausted surfaces to the caller without tripping the breaker.
func NewPoolExhausted(tenant, message string) *CoreError {
	return new(KindPoolExhausted, tenant, message, true, nil)
}

// NewCircuitOpenError is returned by a breaker in the Open state.
func NewCircuitOpenError(tenant string) *CoreError {
	return new(KindCircuitBreakerOpen, tenant, "circuit breaker is open", true, nil)
}

// NewIsolationViolation is a programmer error: an unsupported operation or
// an invalid tenant identifier. Never retried.
func NewIsolationViolation(tenant, message string) *CoreError {
	return new(KindIsolationViolation, tenant, message, false, nil)
}

// NewScriptMissing indicates a NOSCRIPT reply; internally recovered once by
// the scripted executor before this is ever surfaced to a caller.
func NewScriptMissing(name string) *CoreError {
	return new(KindScriptMissing, "", fmt.Sprintf("script %q not loaded", name), true, nil)
}

// NewQueueFull is a structured denial, not retried by the core.
func NewQueueFull(tenant, queue string) *CoreError {
	return new(KindQueueFull, tenant, fmt.Sprintf("queue %q is at capacity", queue), false, nil)
}

// NewProjectQueueFull is the per-tenant fairness-cap variant of QueueFull.
func NewProjectQueueFull(tenant, queue string) *CoreError {
	return new(KindProjectQueueFull, tenant, fmt.Sprintf("tenant sub-queue of %q is at capacity", queue), false, nil)
}

// NewKeyNotFound is explicit for deletes; GET misses are not errors.
func NewKeyNotFound(tenant, key string) *CoreError {
	return new(KindKeyNotFound, tenant, fmt.Sprintf("key %q not found", key), false, nil)
}

// NewInvalidArgument rejects a boundary violation (bad TTL, cost < 1, a
// scheduled_at in the past) before any I/O is attempted.
func NewInvalidArgument(message string) *CoreError {
	return new(KindInvalidArgument, "", message, false, nil)
}

// Is reports whether err is a *CoreError of the given kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Kind == kind
}
