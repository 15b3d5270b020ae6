package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Chain failure taxonomy. These are the only error classes that cross the
// orchestrator boundary as terminal error chunks.
const (
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrStageOutput    ErrorCode = "STAGE_OUTPUT"
	ErrGateRejected   ErrorCode = "GATE_REJECTED"
	ErrPhaseTimeout   ErrorCode = "PHASE_TIMEOUT"
)

// Upstream transport classification, used to decide retryability and
// circuit-breaker accounting.
const (
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrConnection      ErrorCode = "CONNECTION_ERROR"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
// Phase, when set, names the chain phase the error originated from.
type Error struct {
	Code           ErrorCode      `json:"code"`
	Message        string         `json:"message"`
	HTTPStatus     int            `json:"http_status,omitempty"`
	Retryable      bool           `json:"retryable"`
	Phase          string         `json:"phase,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Cause          error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithPhase names the chain phase the error originated from.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithTimeoutSeconds records the timeout budget that was exceeded.
func (e *Error) WithTimeoutSeconds(seconds float64) *Error {
	e.TimeoutSeconds = seconds
	return e
}

// WithDetail adds a key/value pair to the error details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether an error should count toward circuit-breaker
// failure accounting. Only retryable-classified upstream failures trip the
// breaker; auth and request-shape errors say nothing about downstream health,
// and neither does a caller disconnect (classified CONNECTION_ERROR but
// non-retryable). The whole chain is inspected so a RETRY_EXHAUSTED wrapper
// around a transient cause still counts.
func IsTransient(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		switch e.Code {
		case ErrRateLimited, ErrUpstreamError, ErrUpstreamTimeout, ErrConnection:
			if e.Retryable {
				return true
			}
		}
		err = e.Cause
	}
	return false
}
