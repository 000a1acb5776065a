// Package errors provides custom error types for the agentz control plane.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeBusy            = "BUSY"
	ErrCodeMergeConflict   = "MERGE_CONFLICT"
	ErrCodeNotARepo        = "NOT_A_REPO"
	ErrCodeInvalidPath     = "INVALID_PATH"
	ErrCodeInvalidBranch   = "INVALID_BRANCH"
	ErrCodeGitFailure      = "GIT_FAILURE"
	ErrCodeWorkerLost      = "WORKER_LOST"
	ErrCodeForbidden       = "FORBIDDEN"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// RetryAfter is the number of seconds after which a rate-limited
	// caller may retry. Zero when not applicable.
	RetryAfter int `json:"retry_after,omitempty"`
	// CurrentVersion carries the present document version on a
	// VERSION_CONFLICT so the client can refresh and retry.
	CurrentVersion int   `json:"current_version,omitempty"`
	Err            error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Forbidden creates an authorisation failure.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// RateLimited creates a rate-limit denial carrying a retry-after hint in seconds.
func RateLimited(reason string, retryAfter int) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    reason,
		HTTPStatus: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// VersionConflict creates an optimistic-concurrency failure for a task
// update, carrying the current document version.
func VersionConflict(path string, currentVersion int) *AppError {
	return &AppError{
		Code:           ErrCodeVersionConflict,
		Message:        fmt.Sprintf("task '%s' was modified concurrently", path),
		HTTPStatus:     http.StatusConflict,
		CurrentVersion: currentVersion,
	}
}

// Busy signals that a session still has a live worker process.
func Busy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// MergeConflict signals that a merge produced conflicts and was aborted.
func MergeConflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeMergeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NotARepo signals that an operation needing git was pointed at a
// directory that is not a working tree.
func NotARepo(dir string) *AppError {
	return &AppError{
		Code:       ErrCodeNotARepo,
		Message:    fmt.Sprintf("'%s' is not a git repository", dir),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidPath signals a path escaping the repository root or containing
// forbidden characters.
func InvalidPath(path string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidPath,
		Message:    fmt.Sprintf("path '%s' is outside the repository or malformed", path),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidBranch signals a branch name failing git ref rules.
func InvalidBranch(name string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidBranch,
		Message:    fmt.Sprintf("branch name '%s' is not valid", name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// GitFailure wraps a non-zero git exit with sanitised output.
func GitFailure(sanitized string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeGitFailure,
		Message:    sanitized,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// WorkerLost signals a daemon pid no longer alive with no terminal event recorded.
func WorkerLost(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkerLost,
		Message:    fmt.Sprintf("worker for session '%s' is gone but no terminal event was recorded", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:           appErr.Code,
			Message:        fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus:     appErr.HTTPStatus,
			RetryAfter:     appErr.RetryAfter,
			CurrentVersion: appErr.CurrentVersion,
			Err:            err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsBusy checks if the error signals a running worker.
func IsBusy(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBusy
	}
	return false
}

// IsVersionConflict checks if the error is an optimistic-concurrency failure.
func IsVersionConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeVersionConflict
	}
	return false
}

// IsRateLimited checks if the error is a rate-limit denial.
func IsRateLimited(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeRateLimited
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
