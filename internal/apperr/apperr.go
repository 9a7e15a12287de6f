package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Error codes shared between services, handlers and the response envelope.
const (
	CodeInvalidFileFormat   = "INVALID_FILE_FORMAT"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeJobAlreadyCompleted = "JOB_ALREADY_COMPLETED"
	CodeInvalidFeedback     = "INVALID_FEEDBACK"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeDetectionFailed     = "DETECTION_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeThrottled           = "THROTTLED"
	CodeConflict            = "CONFLICT"
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
)

// Error is the application error carried across service boundaries.
// Transient marks errors that are worth retrying (timeouts, throttling,
// temporary collaborator unavailability); everything else propagates
// immediately.
type Error struct {
	Code      string
	Message   string
	Details   map[string]interface{}
	Status    int
	Transient bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails attaches structured context to the error and returns it.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithCause records the underlying error and returns the wrapper.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New creates a permanent application error.
func New(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// NewTransient creates a retryable application error.
func NewTransient(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status, Transient: true}
}

// InvalidFileFormat rejects an unsupported blueprint format.
func InvalidFileFormat(format string, allowed []string) *Error {
	return New(CodeInvalidFileFormat, fmt.Sprintf("unsupported blueprint format %q", format), 400).
		WithDetails(map[string]interface{}{"format": format, "allowed": allowed})
}

// FileTooLarge rejects an upload above the configured size cap.
func FileTooLarge(size, max int64) *Error {
	return New(CodeFileTooLarge, "blueprint exceeds maximum allowed size", 413).
		WithDetails(map[string]interface{}{"size": size, "max": max})
}

// JobNotFound reports an unknown or expired job id.
func JobNotFound(jobID string) *Error {
	return New(CodeJobNotFound, fmt.Sprintf("job %s not found", jobID), 404)
}

// JobAlreadyCompleted rejects operations on a terminal job.
func JobAlreadyCompleted(jobID, status string) *Error {
	return New(CodeJobAlreadyCompleted, fmt.Sprintf("job %s is already %s", jobID, status), 409).
		WithDetails(map[string]interface{}{"status": status})
}

// InvalidFeedback rejects malformed feedback submissions.
func InvalidFeedback(message string) *Error {
	return New(CodeInvalidFeedback, message, 400)
}

// ServiceUnavailable reports a collaborator that is temporarily down.
func ServiceUnavailable(service string, cause error) *Error {
	return NewTransient(CodeServiceUnavailable, fmt.Sprintf("%s is unavailable", service), 503).
		WithCause(cause)
}

// Timeout reports a collaborator call that exceeded its deadline.
func Timeout(service string, cause error) *Error {
	return NewTransient(CodeTimeout, fmt.Sprintf("%s timed out", service), 504).
		WithCause(cause)
}

// Throttled reports a collaborator rejecting calls under load.
func Throttled(service string) *Error {
	return NewTransient(CodeThrottled, fmt.Sprintf("%s throttled the request", service), 429)
}

// DetectionFailed reports a permanent detection failure for a stage.
func DetectionFailed(stage string, cause error) *Error {
	return New(CodeDetectionFailed, fmt.Sprintf("detection failed at stage %s", stage), 502).
		WithCause(cause)
}

// Conflict reports a lost optimistic-concurrency race.
func Conflict(message string) *Error {
	return New(CodeConflict, message, 409)
}

// IsTransient reports whether err is worth retrying. Deadline expiry counts
// as transient; an explicit cancellation does not.
func IsTransient(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// From coerces err into an *Error, wrapping unknown errors as a generic
// permanent service error.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Code: CodeServiceUnavailable, Message: err.Error(), Status: 500, cause: err}
}

// CodeOf extracts the application error code, or SERVICE_UNAVAILABLE for
// unclassified errors.
func CodeOf(err error) string {
	return From(err).Code
}
