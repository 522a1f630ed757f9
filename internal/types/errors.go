package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable, documented error taxonomy surfaced on the wire.
type ErrorCode string

const (
	// Input errors - rejected at the gateway or component boundary.
	CodeInvalidQuery   ErrorCode = "INVALID_QUERY"
	CodeSQLSyntax      ErrorCode = "SQL_SYNTAX_ERROR"
	CodeInvalidPolicy  ErrorCode = "INVALID_POLICY"
	CodeInvalidPhase   ErrorCode = "INVALID_PHASE"

	// Auth errors.
	CodeAuthInvalidToken   ErrorCode = "AUTH_INVALID_TOKEN"
	CodeAuthTokenExpired   ErrorCode = "AUTH_TOKEN_EXPIRED"
	CodeTenantAccessDenied ErrorCode = "TENANT_ACCESS_DENIED"

	// Capacity / limit errors.
	CodeShardCapacity ErrorCode = "SHARD_CAPACITY"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"

	// Transient errors - callers should retry with backoff and jitter.
	CodeRetryable   ErrorCode = "RETRYABLE"
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// Conflict errors - surfaced directly, never retried internally.
	CodeConflictUnique      ErrorCode = "CONFLICT_UNIQUE"
	CodeTransactionNotFound ErrorCode = "TRANSACTION_NOT_FOUND"
	CodeIncompatiblePolicy  ErrorCode = "INCOMPATIBLE_POLICY"
	CodeSplitNotFound       ErrorCode = "SPLIT_NOT_FOUND"

	// Execution / fatal errors.
	CodeSQLError ErrorCode = "SQL_ERROR"
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is the domain error carried across component boundaries and
// serialized into the HTTP error envelope.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a domain error with the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errf creates a domain error with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a new domain error.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail returns the error with a detail field set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the ErrorCode from an error chain.
// Non-domain errors map to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether the error kind is safe to retry.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeRetryable, CodeTimeout, CodeCircuitOpen:
		return true
	}
	return false
}
