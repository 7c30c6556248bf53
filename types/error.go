package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Coordination error codes
const (
	ErrUnknownAgent             ErrorCode = "UNKNOWN_AGENT"
	ErrDuplicateAgent           ErrorCode = "DUPLICATE_AGENT"
	ErrNoEligibleAgent          ErrorCode = "NO_ELIGIBLE_AGENT"
	ErrIllegalTransition        ErrorCode = "ILLEGAL_TRANSITION"
	ErrSessionNotFound          ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionClosed            ErrorCode = "SESSION_CLOSED"
	ErrTaskNotFound             ErrorCode = "TASK_NOT_FOUND"
	ErrDelegationDepthExceeded  ErrorCode = "DELEGATION_DEPTH_EXCEEDED"
	ErrDependencyDeadlock       ErrorCode = "DEPENDENCY_DEADLOCK"
	ErrExternalExecutionTimeout ErrorCode = "EXTERNAL_EXECUTION_TIMEOUT"
	ErrUnknownCrew              ErrorCode = "UNKNOWN_CREW"
	ErrUnknownProject           ErrorCode = "UNKNOWN_PROJECT"
	ErrStoreClosed              ErrorCode = "STORE_CLOSED"
	ErrInternalError            ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
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

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
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

// GetErrorCode extracts the error code from an error.
// Returns an empty code for errors outside this package.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
