package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeInternal            ErrorType = "internal"
	ErrorTypeResourceExhausted   ErrorType = "resource_exhausted"
	ErrorTypeCircuitOpen         ErrorType = "circuit_open"
	ErrorTypeStallTimeout        ErrorType = "stall_timeout"
	ErrorTypeHardTimeout         ErrorType = "hard_timeout"
	ErrorTypeDeploymentExhausted ErrorType = "deployment_exhausted"
	ErrorTypeSamplingFailure     ErrorType = "sampling_failure"
	ErrorTypeShutdown            ErrorType = "shutdown"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the condition is expected to clear on its own
func (e *AppError) Retryable() bool {
	switch e.Type {
	case ErrorTypeResourceExhausted, ErrorTypeCircuitOpen, ErrorTypeStallTimeout, ErrorTypeHardTimeout:
		return true
	default:
		return false
	}
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// NewResourceExhausted signals that the spawn gate refused admission.
// Absorbed by the throttler; tasks stay queued rather than failing.
func NewResourceExhausted(reason string) *AppError {
	return NewAppError(ErrorTypeResourceExhausted, "RESOURCE_EXHAUSTED", reason)
}

// NewCircuitOpen signals that an agent type's circuit refused admission
func NewCircuitOpen(agentType string, cooldown time.Duration) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker for agent type %q is open", agentType)).
		WithDetail("agent_type", agentType).
		WithDetail("cooldown", cooldown.String())
}

// NewStallTimeout signals that a task went quiet past its stall window
func NewStallTimeout(taskID, agentType string) *AppError {
	return NewAppError(ErrorTypeStallTimeout, "STALL_TIMEOUT",
		fmt.Sprintf("task %s produced no progress within its stall window", taskID)).
		WithDetail("task_id", taskID).
		WithDetail("agent_type", agentType)
}

// NewHardTimeout signals that a task ran past its hard deadline
func NewHardTimeout(taskID, agentType string) *AppError {
	return NewAppError(ErrorTypeHardTimeout, "HARD_TIMEOUT",
		fmt.Sprintf("task %s exceeded its execution deadline", taskID)).
		WithDetail("task_id", taskID).
		WithDetail("agent_type", agentType)
}

// NewDeploymentExhausted signals that every backup candidate was tried
func NewDeploymentExhausted(taskID, agentType string, attempts int) *AppError {
	return NewAppError(ErrorTypeDeploymentExhausted, "DEPLOYMENT_EXHAUSTED",
		fmt.Sprintf("all %d backup candidates exhausted for agent type %q", attempts, agentType)).
		WithDetail("task_id", taskID).
		WithDetail("agent_type", agentType).
		WithDetail("attempts", fmt.Sprintf("%d", attempts))
}

// NewSamplingFailure signals that the resource sampler could not read the
// host. Degrades the spawn gate conservatively; never attached to a task.
func NewSamplingFailure(message string) *AppError {
	return NewAppError(ErrorTypeSamplingFailure, "SAMPLING_FAILURE", message)
}

// NewShutdownError signals work rejected or drained during shutdown
func NewShutdownError(reason string) *AppError {
	return NewAppError(ErrorTypeShutdown, "SHUTDOWN", reason)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// AsAppError unwraps err to an AppError when possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
