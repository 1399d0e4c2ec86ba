// Package errors provides the engine's structured error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the engine's error kinds (spec taxonomy, not a type name).
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindConflict             Kind = "Conflict"
	KindInvariantViolation   Kind = "InvariantViolation"
	KindInvalidArgument      Kind = "InvalidArgument"
	KindQueueFull            Kind = "QueueFull"
	KindCancelled            Kind = "Cancelled"
	KindTimedOut             Kind = "TimedOut"
	KindIO                   Kind = "IO"
	KindCorruption           Kind = "Corruption"
	KindInvalidBackup        Kind = "InvalidBackup"
	KindInternal             Kind = "Internal"
)

// EngineError is a structured error carrying a stable kind, a caller-facing
// message, optional opaque details, and the wrapped cause.
type EngineError struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *EngineError) WithDetails(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new EngineError.
func New(kind Kind, message string, httpStatus int) *EngineError {
	return &EngineError{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with an EngineError.
func Wrap(kind Kind, message string, httpStatus int, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// NotFound reports a missing System/Component/Relationship/Task.
func NotFound(resource, id string) *EngineError {
	return New(KindNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Conflict reports a write against a stale or colliding identifier.
func Conflict(message string) *EngineError {
	return New(KindConflict, message, http.StatusConflict)
}

// InvariantViolation reports a failed structural invariant (I1-I7).
func InvariantViolation(code, message string) *EngineError {
	return New(KindInvariantViolation, message, http.StatusUnprocessableEntity).
		WithDetails("invariant", code)
}

// InvalidArgument reports a malformed caller-supplied value.
func InvalidArgument(field, reason string) *EngineError {
	return New(KindInvalidArgument, "invalid argument", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// QueueFull reports a task submission rejected at queue capacity.
func QueueFull(priority string, capacity int) *EngineError {
	return New(KindQueueFull, "task queue is full", http.StatusServiceUnavailable).
		WithDetails("priority", priority).
		WithDetails("capacity", capacity)
}

// Cancelled reports a task that was cooperatively cancelled.
func Cancelled(taskID string) *EngineError {
	return New(KindCancelled, "task was cancelled", http.StatusOK).
		WithDetails("task_id", taskID)
}

// TimedOut reports a task that exceeded its configured timeout.
func TimedOut(taskID string) *EngineError {
	return New(KindTimedOut, "task timed out", http.StatusGatewayTimeout).
		WithDetails("task_id", taskID)
}

// IO wraps an underlying storage I/O failure.
func IO(operation string, err error) *EngineError {
	return Wrap(KindIO, "storage I/O failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Corruption reports an invariant violation discovered on rehydration.
func Corruption(resource, id string, err error) *EngineError {
	return Wrap(KindCorruption, "persisted state failed invariant checks", http.StatusInternalServerError, err).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidBackup reports a restore attempt against an unmigratable archive.
func InvalidBackup(reason string) *EngineError {
	return New(KindInvalidBackup, reason, http.StatusBadRequest)
}

// Internal wraps an unexpected failure. Message is a stable identifier;
// details/cause are logged with full context but never echoed to the caller.
func Internal(message string, err error) *EngineError {
	return Wrap(KindInternal, message, http.StatusInternalServerError, err)
}

// IsEngineError reports whether err is (or wraps) an *EngineError.
func IsEngineError(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr)
}

// GetEngineError extracts an *EngineError from an error chain.
func GetEngineError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if engineErr := GetEngineError(err); engineErr != nil {
		return engineErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetKind returns the Kind for an error, or KindInternal if err is not an EngineError.
func GetKind(err error) Kind {
	if engineErr := GetEngineError(err); engineErr != nil {
		return engineErr.Kind
	}
	return KindInternal
}
