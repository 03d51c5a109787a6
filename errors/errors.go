// Package errors provides error handling for VIGIL.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//   - Sentry integration
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for users
//	return errors.WithHint(err, "try increasing the timeout")
//
//	// Check errors
//	if errors.Is(err, errors.ErrQueueClosed) {
//	    // handle stopped component
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Advanced features
var (
	Handled                  = crdb.Handled
	HandledWithMessage       = crdb.HandledWithMessage
	WithDomain               = crdb.WithDomain
	GetDomain                = crdb.GetDomain
	WithContextTags          = crdb.WithContextTags
	EncodeError              = crdb.EncodeError
	DecodeError              = crdb.DecodeError
	GetReportableStackTrace  = crdb.GetReportableStackTrace
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Assertions and panics
var (
	AssertionFailedf                 = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Common sentinel errors for use across VIGIL.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrInvalidConfig indicates a configuration that fails validation.
	// Construction-time failure: components refuse to start on it.
	ErrInvalidConfig = New("invalid configuration")

	// ErrQueueClosed indicates an enqueue or dequeue on a stopped component
	ErrQueueClosed = New("queue closed")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrBackendUnavailable indicates an inference backend that is not
	// compiled into this binary
	ErrBackendUnavailable = New("inference backend unavailable")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")
)

// ModelLoadError reports a model that failed to load.
// Construction-time failure: the Detector refuses to start on it.
type ModelLoadError struct {
	Model string
	Path  string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model %q failed to load from %s: %v", e.Model, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed inference call for one frame.
// Recoverable: the frame is dropped and counted, processing continues.
type InferenceError struct {
	Model   string
	FrameID uint64
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("model %q inference failed for frame %d: %v", e.Model, e.FrameID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ClassResolutionError reports a class id with no entry in the class list.
// Recoverable: the frame is dropped and counted, processing continues.
type ClassResolutionError struct {
	ClassID int
	FrameID uint64
}

func (e *ClassResolutionError) Error() string {
	return fmt.Sprintf("class id %d cannot be resolved for frame %d", e.ClassID, e.FrameID)
}

// StageError reports a pipeline stage failure for one item.
// Recoverable: the item is retried up to the stage's retry count, then dropped.
type StageError struct {
	Stage   string
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed on attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PersistenceError reports a failed state write to disk.
// Non-fatal: the snapshot is kept in memory and the next persist retries.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state persistence to %s failed: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ResourceSamplingError reports one resource metric that could not be read.
// Non-fatal: the metric is reported as unavailable, the sampler keeps running.
type ResourceSamplingError struct {
	Metric string
	Err    error
}

func (e *ResourceSamplingError) Error() string {
	return fmt.Sprintf("sampling %s failed: %v", e.Metric, e.Err)
}

func (e *ResourceSamplingError) Unwrap() error { return e.Err }

// IsQueueClosed checks if an error is or wraps ErrQueueClosed
func IsQueueClosed(err error) bool {
	return err != nil && Is(err, ErrQueueClosed)
}

// IsInvalidConfig checks if an error is or wraps ErrInvalidConfig
func IsInvalidConfig(err error) bool {
	return err != nil && Is(err, ErrInvalidConfig)
}

// IsTimeout checks if an error is or wraps ErrTimeout
func IsTimeout(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsRecoverable reports whether an error is a per-item failure that the
// enclosing worker absorbs into metrics and keeps going.
// Construction-time and queue-closed errors are not recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var infErr *InferenceError
	if As(err, &infErr) {
		return true
	}
	var classErr *ClassResolutionError
	if As(err, &classErr) {
		return true
	}
	var stageErr *StageError
	if As(err, &stageErr) {
		return true
	}
	var persistErr *PersistenceError
	if As(err, &persistErr) {
		return true
	}
	var sampleErr *ResourceSamplingError
	if As(err, &sampleErr) {
		return true
	}
	return false
}

// NewInvalidConfigError creates an invalid-config error with a formatted message
func NewInvalidConfigError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidConfig, Newf(format, args...).Error())
}

// WrapInvalidConfig wraps an error as an invalid-config error with context
func WrapInvalidConfig(err error, context string) error {
	return Wrap(Wrap(ErrInvalidConfig, err.Error()), context)
}
