// Package errors provides the error codes shared by the offline engine.
//
// Codes fall into the families the engine reasons about: connectivity
// failures, application rejections from the remote service, local persistence
// failures, queue failures and download failures. Only connectivity failures
// are ever turned into an offline decision; application rejections always
// reach the caller verbatim.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Connectivity errors
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrTimeout ErrorCode = "TIMEOUT"

	// Application errors (remote rejections)
	ErrApplication      ErrorCode = "APPLICATION_ERROR"
	ErrNotEnrolled      ErrorCode = "NOT_ENROLLED"
	ErrAlreadyCompleted ErrorCode = "ALREADY_COMPLETED"
	ErrIneligible       ErrorCode = "INELIGIBLE"
	ErrAuthExpired      ErrorCode = "AUTH_EXPIRED"
	ErrPermission       ErrorCode = "PERMISSION_DENIED"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrUnmappedOperation  ErrorCode = "UNMAPPED_OPERATION"
	ErrUnsupportedOp      ErrorCode = "UNSUPPORTED_OPERATION"
	ErrOfflineUnavailable ErrorCode = "OFFLINE_UNAVAILABLE"

	// Download errors
	ErrDownloadFailed     ErrorCode = "DOWNLOAD_FAILED"
	ErrDownloadInProgress ErrorCode = "DOWNLOAD_IN_PROGRESS"
	ErrDownloadCancelled  ErrorCode = "DOWNLOAD_CANCELLED"
	ErrMediaExpired       ErrorCode = "MEDIA_URL_EXPIRED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	// Status carries the HTTP status for errors built from remote responses.
	Status int
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

// Is checks if an error, or anything it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNetwork reports whether err is a connectivity-class failure.
func IsNetwork(err error) bool {
	return Is(err, ErrNetwork) || Is(err, ErrTimeout)
}

// IsApplication reports whether err is a domain rejection from the remote
// service.
func IsApplication(err error) bool {
	switch CodeOf(err) {
	case ErrApplication, ErrNotEnrolled, ErrAlreadyCompleted, ErrIneligible,
		ErrAuthExpired, ErrPermission, ErrNotFound, ErrValidation:
		return true
	}
	return false
}

// As is re-exported so callers do not need both errors packages.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
