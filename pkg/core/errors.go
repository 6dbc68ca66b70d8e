package core

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrNotFound is returned when a memory record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when trying to use a closed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrValidation is returned when caller-supplied input fails validation
	ErrValidation = errors.New("validation failed")

	// ErrBusy is returned when an exclusive operation is already in progress
	ErrBusy = errors.New("operation already in progress")

	// ErrExternalFailure is returned when an embedding or chat provider fails
	ErrExternalFailure = errors.New("external provider failure")

	// ErrStorageConflict is returned when the dense index and the document
	// store have diverged and a rebuild is required
	ErrStorageConflict = errors.New("storage indexes diverged")

	// ErrNotReady is returned when the plugin host gate has not opened yet
	ErrNotReady = errors.New("engine not ready")
)

// StoreError wraps errors with operation context
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("livingmemory: %v", e.Err)
	}
	return fmt.Sprintf("livingmemory: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapError wraps an error with operation context.
// It is exported so sibling packages share one error surface.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// wrapError is the package-local shorthand used throughout pkg/core.
func wrapError(op string, err error) error {
	return WrapError(op, err)
}
