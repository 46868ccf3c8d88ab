// Package errors provides error code definitions shared across the engine.
package errors

import "fmt"

// ErrorCode represents a unique, client-visible error code.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrDatabase ErrorCode = "DATABASE_ERROR"
	ErrCrypto   ErrorCode = "CRYPTO_FAILED"

	// Connection-level errors: these terminate the connection.
	ErrAuthFailed ErrorCode = "AUTH_FAILED"

	// Request-level errors: returned only to the requester, never broadcast.
	ErrAccessDenied    ErrorCode = "ACCESS_DENIED"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrLockConflict    ErrorCode = "LOCK_CONFLICT"

	// Sync errors
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrPermanentFailure ErrorCode = "PERMANENT_FAILURE"
	ErrQueueFull        ErrorCode = "QUEUE_FULL"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether err represents a transient failure that the
// offline queue should retry with backoff. Request-level refusals and
// permanent failures are not retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrAuthFailed, ErrAccessDenied, ErrVersionConflict,
		ErrLockConflict, ErrPermanentFailure, ErrInvalid:
		return false
	}
	return true
}
