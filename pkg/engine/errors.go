package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an engine failure.
type ErrorClass string

const (
	// ErrorClassManagerUnavailable indicates the backend is unknown or its
	// executable cannot be resolved.
	ErrorClassManagerUnavailable ErrorClass = "manager_unavailable"

	// ErrorClassUnsupported indicates the backend does not declare the
	// capability required by the requested operation.
	ErrorClassUnsupported ErrorClass = "unsupported_operation"

	// ErrorClassCommandTimeout indicates an external command exceeded its deadline.
	ErrorClassCommandTimeout ErrorClass = "command_timeout"

	// ErrorClassCommandFailed indicates an external command exited non-zero.
	ErrorClassCommandFailed ErrorClass = "command_failed"

	// ErrorClassDecode indicates backend output could not be parsed.
	ErrorClassDecode ErrorClass = "decode_error"

	// ErrorClassConflict indicates a duplicate active job or an operation that
	// is not allowed in the current job state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassJobNotFound indicates an unknown job id.
	ErrorClassJobNotFound ErrorClass = "job_not_found"

	// ErrorClassCancelled indicates the operation was cancelled by the caller.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassInvalid indicates a malformed request.
	ErrorClassInvalid ErrorClass = "invalid"
)

// snippetLimit bounds the amount of offending output kept on decode errors.
const snippetLimit = 512

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Backend is the package manager involved, if any.
	Backend string `json:"backend,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Command is the command line that failed, if any.
	Command string `json:"command,omitempty"`

	// ExitCode is the process exit status for command failures.
	ExitCode int `json:"exit_code,omitempty"`

	// Stderr holds the tail of the standard error stream for command failures.
	Stderr string `json:"stderr,omitempty"`

	// Output holds a snippet of unparseable output for decode errors.
	Output string `json:"output,omitempty"`

	// Timeout is the deadline that was exceeded for command timeouts.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Backend != "" && e.Operation != "":
		msg += fmt.Sprintf(" (backend=%s, operation=%s)", e.Backend, e.Operation)
	case e.Backend != "":
		msg += fmt.Sprintf(" (backend=%s)", e.Backend)
	}
	if e.Class == ErrorClassCommandFailed {
		msg += fmt.Sprintf(" exit=%d", e.ExitCode)
		if e.Stderr != "" {
			msg += ": " + e.Stderr
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewManagerUnavailableError creates an error for a backend that is not installed.
func NewManagerUnavailableError(backend string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassManagerUnavailable,
		Message: "package manager is not available",
		Backend: backend,
		Err:     err,
	}
}

// NewUnsupportedOperationError creates an error for an undeclared capability.
func NewUnsupportedOperationError(backend, operation string) *EngineError {
	return &EngineError{
		Class:     ErrorClassUnsupported,
		Message:   "operation not supported by package manager",
		Backend:   backend,
		Operation: operation,
	}
}

// NewCommandTimeoutError creates an error for a command that exceeded its deadline.
func NewCommandTimeoutError(command string, timeout time.Duration) *EngineError {
	return &EngineError{
		Class:   ErrorClassCommandTimeout,
		Message: fmt.Sprintf("command timed out after %s", timeout),
		Command: command,
		Timeout: timeout,
		Code:    ErrCodeTimeout,
	}
}

// NewCommandFailedError creates an error for a command with a non-zero exit status.
func NewCommandFailedError(command string, exitCode int, stderr string) *EngineError {
	return &EngineError{
		Class:    ErrorClassCommandFailed,
		Message:  "command failed",
		Command:  command,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

// NewDecodeError creates an error for unparseable output. Only a bounded
// snippet of the output is retained.
func NewDecodeError(command string, output []byte, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDecode,
		Message: "failed to decode command output",
		Command: command,
		Output:  Snippet(string(output), snippetLimit),
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
	}
}

// NewJobNotFoundError creates an error for an unknown job id.
func NewJobNotFoundError(id string) *EngineError {
	return &EngineError{
		Class:   ErrorClassJobNotFound,
		Message: fmt.Sprintf("job %s not found", id),
		Code:    ErrCodeNotFound,
	}
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancelled,
		Message: "operation cancelled",
		Err:     err,
	}
}

// NewInvalidError creates a validation error for a malformed request.
func NewInvalidError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassInvalid,
		Message: message,
		Code:    ErrCodeValidation,
	}
}

// WithBackend adds backend context to an error.
func (e *EngineError) WithBackend(backend string) *EngineError {
	e.Backend = backend
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithMessage replaces the error message.
func (e *EngineError) WithMessage(message string) *EngineError {
	e.Message = message
	return e
}

// WithErr sets the underlying error.
func (e *EngineError) WithErr(err error) *EngineError {
	e.Err = err
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err. Context errors are reported as
// cancellations; anything unclassified yields the empty class.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if e, ok := asEngineError(err); ok {
		return e.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassCancelled
	}
	return ""
}

func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func hasClass(err error, class ErrorClass) bool {
	if e, ok := asEngineError(err); ok {
		return e.Class == class
	}
	return false
}

// IsManagerUnavailable returns true if the backend could not be used at all.
func IsManagerUnavailable(err error) bool { return hasClass(err, ErrorClassManagerUnavailable) }

// IsUnsupported returns true if the backend lacks the required capability.
func IsUnsupported(err error) bool { return hasClass(err, ErrorClassUnsupported) }

// IsCommandTimeout returns true if a command exceeded its deadline.
func IsCommandTimeout(err error) bool { return hasClass(err, ErrorClassCommandTimeout) }

// IsCommandFailed returns true if a command exited non-zero.
func IsCommandFailed(err error) bool { return hasClass(err, ErrorClassCommandFailed) }

// IsDecodeError returns true if backend output could not be parsed.
func IsDecodeError(err error) bool { return hasClass(err, ErrorClassDecode) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsJobNotFound returns true if the job id was unknown.
func IsJobNotFound(err error) bool { return hasClass(err, ErrorClassJobNotFound) }

// IsInvalid returns true if the request was malformed.
func IsInvalid(err error) bool { return hasClass(err, ErrorClassInvalid) }

// IsCancelled returns true for engine cancellations and context cancellations.
func IsCancelled(err error) bool {
	return ClassOf(err) == ErrorClassCancelled
}

// IsRetryable returns true if a read may be attempted again.
// Timeouts and non-zero exits are retryable; decode errors are not.
func IsRetryable(err error) bool {
	return IsCommandTimeout(err) || IsCommandFailed(err)
}

// Snippet truncates s to at most limit bytes, marking the cut.
func Snippet(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeJobActive      = "JOB_ACTIVE"
	ErrCodeUnknownManager = "UNKNOWN_MANAGER"
	ErrCodeScope          = "UNSUPPORTED_SCOPE"
	ErrCodeInternal       = "INTERNAL_ERROR"
)
