// Package errors provides custom error types for the possync engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the class of failure that occurred
type ErrorCode string

const (
	// ErrCodeAuthFailure is a 401/403 from the remote service. Fatal to the
	// whole run: no further request can succeed until credentials change.
	ErrCodeAuthFailure ErrorCode = "AUTH_FAILURE"

	// ErrCodeNetworkFailure covers connection failures, timeouts and remote
	// 5xx responses. Retryable up to the configured limit.
	ErrCodeNetworkFailure ErrorCode = "NETWORK_FAILURE"

	// ErrCodeRemoteRejected is a non-auth 4xx: terminal for the single
	// request, never retried.
	ErrCodeRemoteRejected ErrorCode = "REMOTE_REJECTED"

	// ErrCodeStorageFailure is a local store I/O error. Aborts the current
	// record or batch, not the entity or run.
	ErrCodeStorageFailure ErrorCode = "STORAGE_FAILURE"

	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpRun        Operation = "run"
	OpPush       Operation = "push"
	OpPull       Operation = "pull"
	OpUpsert     Operation = "upsert"
	OpMarkSynced Operation = "mark_synced"
	OpConflict   Operation = "conflict_save"
	OpWatermark  Operation = "watermark"
	OpTransport  Operation = "transport"
	OpClose      Operation = "close"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Entity table the error is scoped to, if any
	Table string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Table != "" {
		msg += fmt.Sprintf(" (table %s)", e.Table)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithTable returns a copy of the error scoped to the given entity table.
func (e *SyncError) WithTable(table string) *SyncError {
	clone := *e
	clone.Table = table
	return &clone
}

// NewAuthError creates a SyncError for a 401/403 from the remote service
func NewAuthError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeAuthFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a retryable transport SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewRejectedError creates a SyncError for a terminal non-auth 4xx response
func NewRejectedError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemoteRejected,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsAuthFailure reports whether err is (or wraps) an authentication failure.
// The orchestrator uses this to abort the entire run.
func IsAuthFailure(err error) bool {
	return HasCode(err, ErrCodeAuthFailure)
}

// IsStorageFailure reports whether err is (or wraps) a local storage failure.
func IsStorageFailure(err error) bool {
	return HasCode(err, ErrCodeStorageFailure)
}

// HasCode checks whether err is a SyncError carrying the given code
func HasCode(err error, code ErrorCode) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code == code
	}
	return false
}
