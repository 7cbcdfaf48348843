package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: recovery API timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by an upstream API.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict such as a server claim held
	// by another execution or an optimistic write that lost a race.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed plan, operation attempted from the wrong state.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes returned by the engine and its collaborators.
const (
	ErrCodeInvalidPlan        = "INVALID_PLAN"
	ErrCodeConflict           = "CONFLICT"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeStaleToken         = "STALE_TOKEN"
	ErrCodeUpstreamTransient  = "UPSTREAM_TRANSIENT"
	ErrCodeUpstreamFatal      = "UPSTREAM_FATAL"
	ErrCodeNotInitialized     = "NOT_INITIALIZED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeVersionConflict    = "VERSION_CONFLICT"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

var (
	// ErrNotFound is returned by record stores when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned by record stores when a conditional write
	// observes a version other than the expected one.
	ErrVersionConflict = errors.New("record version conflict")
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ExecutionID is the execution the error relates to, if any.
	ExecutionID string `json:"execution_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Code == "" {
		msg = fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
	if e.ExecutionID != "" {
		msg = fmt.Sprintf("%s (execution=%s)", msg, e.ExecutionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
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
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewInvalidPlanError reports a malformed plan or wave graph.
func NewInvalidPlanError(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeInvalidPlan)
}

// NewPreconditionError reports an operation attempted from the wrong state.
func NewPreconditionError(executionID, format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(ErrCodePreconditionFailed).
		WithExecution(executionID)
}

// NewServerConflictError reports servers already claimed by other executions.
// holders maps each holding execution id to the servers it holds.
func NewServerConflictError(executionID string, holders map[string][]string) *EngineError {
	servers := 0
	for _, ids := range holders {
		servers += len(ids)
	}
	return NewConflictError(
		fmt.Sprintf("%d server(s) already claimed by %d other execution(s)", servers, len(holders)),
		nil,
	).WithCode(ErrCodeConflict).
		WithExecution(executionID).
		WithDetail("holders", holders)
}

// WithExecution adds execution context to an error.
func (e *EngineError) WithExecution(executionID string) *EngineError {
	e.ExecutionID = executionID
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable; claim conflicts are not.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// IsCode reports whether err is an EngineError carrying the given code.
func IsCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the error code carried by err, or ErrCodeInternal for
// unclassified errors. A nil error has no code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	if errors.Is(err, ErrNotFound) {
		return ErrCodeNotFound
	}
	if errors.Is(err, ErrVersionConflict) {
		return ErrCodeVersionConflict
	}
	return ErrCodeInternal
}
