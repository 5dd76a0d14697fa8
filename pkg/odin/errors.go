package odin

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure surfaced by the client.
type ErrorCode string

const (
	ErrCodeAuthFailed          ErrorCode = "AUTH_FAILED"
	ErrCodeNetwork             ErrorCode = "NETWORK_ERROR"
	ErrCodeConnectionLost      ErrorCode = "CONNECTION_LOST"
	ErrCodeReconnectExhausted  ErrorCode = "RECONNECT_EXHAUSTED"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"
	ErrCodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
)

// Error carries a stable code alongside the human-readable message, so
// callers can branch on the class of failure without string matching.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an error with the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError attaches a code and message to an underlying error.
func WrapError(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the error code from an error chain, or "" when the
// chain holds no *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func newAuthError(message string, cause error) *Error {
	return &Error{Code: ErrCodeAuthFailed, Message: message, Cause: cause}
}

func newNetworkError(message string, cause error) *Error {
	return &Error{Code: ErrCodeNetwork, Message: message, Cause: cause}
}

func newConnectionLostError(message string, cause error) *Error {
	return &Error{Code: ErrCodeConnectionLost, Message: message, Cause: cause}
}

func newReconnectExhaustedError(cause error) *Error {
	return &Error{Code: ErrCodeReconnectExhausted, Message: "reconnect attempts exhausted", Cause: cause}
}

func newInvalidStateError(message string) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: message}
}

func newResourceUnavailableError(message string, cause error) *Error {
	return &Error{Code: ErrCodeResourceUnavailable, Message: message, Cause: cause}
}
