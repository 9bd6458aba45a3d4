// Package errors provides a structured error type with codes, categories, and context for perfcore.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for perfcore operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"

	// Storage errors
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"

	// Resource errors
	ErrCodeQueueFull   ErrorCode = "QUEUE_FULL"
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// State errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted         ErrorCode = "NOT_STARTED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeComponentStopped   ErrorCode = "COMPONENT_STOPPED"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCapacity      ErrorCategory = "capacity"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// CoreError represents a structured error with context and metadata.
type CoreError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable tells the caller whether repeating the call may succeed.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CoreError with the same code, so package level
// sentinels match any error built from the same code.
func (e *CoreError) Is(target error) bool {
	if t, ok := target.(*CoreError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *CoreError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CoreError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *CoreError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeRemoteUnavailable:
		return CategoryConnection
	case ErrCodeStorageWrite, ErrCodeStorageRead:
		return CategoryStorage
	case ErrCodeQueueFull, ErrCodeRateLimited:
		return CategoryCapacity
	case ErrCodeAlreadyStarted, ErrCodeNotStarted, ErrCodeShutdownInProgress, ErrCodeComponentStopped:
		return CategoryState
	case ErrCodeOperationCanceled, ErrCodeOperationFailed:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Capacity errors are not: the caller must shed load instead.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeRemoteUnavailable,
		ErrCodeStorageWrite, ErrCodeStorageRead:
		return true
	}
	return false
}

// WithDetail adds detailed information to an error.
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *CoreError) WithComponent(component string) *CoreError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *CoreError) WithOperation(operation string) *CoreError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *CoreError) WithCause(cause error) *CoreError {
	e.Cause = cause
	return e
}

// CodeOf returns the code of the first CoreError in err's chain, or
// ErrCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternalError
}
