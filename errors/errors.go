// Package errors provides custom error types for the transaction engine
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeLostUpdate       ErrorCode = "CONFLICT_LOST_UPDATE"
	ErrCodeWriteSkew        ErrorCode = "CONFLICT_WRITE_SKEW"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyFinalized ErrorCode = "ALREADY_FINALIZED"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeStorageFailure   ErrorCode = "STORAGE_FAILURE"
	ErrCodeValidation       ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of engine operation
type Operation string

const (
	OpBegin   Operation = "begin"
	OpRead    Operation = "read"
	OpScan    Operation = "scan"
	OpWrite   Operation = "write"
	OpCommit  Operation = "commit"
	OpAbort   Operation = "abort"
	OpPublish Operation = "publish"
	OpRecover Operation = "recover"
	OpGC      Operation = "gc"
	OpRetry   Operation = "retry"
	OpClose   Operation = "close"
)

// TxnError represents an error raised by the transaction engine
type TxnError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "coordinator")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried against a fresh transaction
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Keys implicated in a conflict, if any
	Keys []string

	// Predicates implicated in a write-skew conflict, if any
	Predicates []string

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *TxnError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if len(e.Keys) > 0 {
		msg += fmt.Sprintf(" keys=%s", strings.Join(e.Keys, ","))
	}
	if len(e.Predicates) > 0 {
		msg += fmt.Sprintf(" predicates=%s", strings.Join(e.Predicates, ","))
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *TxnError) Unwrap() error {
	return e.Err
}

// New creates a new TxnError
func New(op Operation, err error) *TxnError {
	return &TxnError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new TxnError with component information
func NewWithComponent(op Operation, component string, err error) *TxnError {
	return &TxnError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewLostUpdate creates the conflict error for a read-then-write target that
// changed underneath the transaction. Retryable by contract.
func NewLostUpdate(op Operation, keys []string, cause error) *TxnError {
	return &TxnError{
		Code:      ErrCodeLostUpdate,
		Op:        op,
		Component: "detector",
		Err:       cause,
		Keys:      keys,
		Retryable: true,
	}
}

// NewWriteSkew creates the conflict error for a predicate whose result set
// changed underneath the transaction. Retryable by contract.
func NewWriteSkew(op Operation, predicates []string, keys []string, cause error) *TxnError {
	return &TxnError{
		Code:       ErrCodeWriteSkew,
		Op:         op,
		Component:  "detector",
		Err:        cause,
		Keys:       keys,
		Predicates: predicates,
		Retryable:  true,
	}
}

// NewNotFound creates the error for a key that was never written
func NewNotFound(op Operation, key string) *TxnError {
	return &TxnError{
		Code:      ErrCodeNotFound,
		Op:        op,
		Component: "store",
		Err:       fmt.Errorf("key %q not found", key),
		Keys:      []string{key},
		Retryable: false,
	}
}

// NewAlreadyFinalized creates the error for any operation invoked on a
// transaction in a terminal state
func NewAlreadyFinalized(op Operation, txnID string, state string) *TxnError {
	return &TxnError{
		Code:      ErrCodeAlreadyFinalized,
		Op:        op,
		Component: "txn",
		Err:       fmt.Errorf("transaction %s already finalized (state %s)", txnID, state),
		Retryable: false,
		Metadata:  map[string]interface{}{"txn_id": txnID, "state": state},
	}
}

// NewRetryExhausted wraps the final conflict once the retry budget is spent
func NewRetryExhausted(op Operation, attempts int, cause error) *TxnError {
	return &TxnError{
		Code:      ErrCodeRetryExhausted,
		Op:        op,
		Component: "coordinator",
		Err:       cause,
		Retryable: false,
		Metadata:  map[string]interface{}{"attempts": attempts},
	}
}

// NewStorageError creates a new storage-related TxnError
func NewStorageError(op Operation, cause error) *TxnError {
	return &TxnError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related TxnError
func NewValidationError(op Operation, cause error) *TxnError {
	return &TxnError{
		Code:      ErrCodeValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// IsRetryable checks if an error is a retryable TxnError
func IsRetryable(err error) bool {
	var txnErr *TxnError
	if errors.As(err, &txnErr) {
		return txnErr.Retryable
	}
	return false
}

// IsConflict reports whether err is a LostUpdate or WriteSkew conflict
func IsConflict(err error) bool {
	switch CodeOf(err) {
	case ErrCodeLostUpdate, ErrCodeWriteSkew:
		return true
	}
	return false
}

// IsNotFound reports whether err carries the NOT_FOUND code
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsAlreadyFinalized reports whether err carries the ALREADY_FINALIZED code
func IsAlreadyFinalized(err error) bool {
	return CodeOf(err) == ErrCodeAlreadyFinalized
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a TxnError
func CodeOf(err error) ErrorCode {
	var txnErr *TxnError
	if errors.As(err, &txnErr) {
		return txnErr.Code
	}
	return ""
}

// ConflictKeys returns the keys implicated in a conflict error, or nil
func ConflictKeys(err error) []string {
	var txnErr *TxnError
	if errors.As(err, &txnErr) {
		return txnErr.Keys
	}
	return nil
}
