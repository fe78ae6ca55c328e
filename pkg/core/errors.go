// Package core provides the memcore client facade, configuration, and errors.
package core

import (
	"errors"
	"fmt"

	"github.com/agentmesh/memcore-go/pkg/storage"
)

// Predefined errors for common failure scenarios. The storage sentinels are
// re-exported here so callers can match backend conditions with errors.Is
// against the core package alone.
var (
	// ErrNotFound indicates that a requested record was not found.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingUnavailable indicates that the embedding provider is down
	// or timed out. Dependent features degrade silently; this error is logged,
	// never propagated across the public API.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrDuplicate indicates that a write hit a record that already exists.
	// The stores resolve it internally by reinforcing the existing record;
	// callers see success, not failure.
	ErrDuplicate = storage.ErrDuplicate

	// ErrMalformedRecord indicates that a persisted record failed to parse
	// during load. The record is skipped and loading continues.
	ErrMalformedRecord = storage.ErrMalformedRecord

	// ErrStorageOperation indicates that opening or operating the durable
	// storage backend failed. This is the only fatal condition.
	ErrStorageOperation = errors.New("storage operation failed")
)

// CoreError wraps errors with operation context.
//
// It records which operation failed, making error messages more informative
// for debugging.
//
// Example:
//
//	err := &CoreError{Op: "Remember", Err: ErrEmbeddingUnavailable}
//	// Error() returns: "memcore: Remember: embedding provider unavailable"
type CoreError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message in the form "memcore: <Op>: <Err>".
func (e *CoreError) Error() string {
	return fmt.Sprintf("memcore: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError creates a new CoreError wrapping the given error.
//
// If err is nil, returns nil, which allows unconditional wrapping at return
// sites:
//
//	return NewCoreError("Remember", err)
func NewCoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CoreError{
		Op:  op,
		Err: err,
	}
}
