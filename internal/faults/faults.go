// Package faults defines the error taxonomy for the sync and cache layer.
// Every failure inside the layer is converted at the operation boundary into
// one of these categories so callers can decide between a cache fallback, a
// queued retry, or a user-visible report.
package faults

import (
	"errors"
	"fmt"
)

// Sentinel errors for the four failure categories.
var (
	// ErrNetworkUnavailable indicates the backend could not be reached.
	// Triggers cache fallback or action queueing, never a hard user error.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrValidation indicates a malformed push payload or queued action.
	// Dropped and logged, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrStorage indicates a persistent store read/write failure.
	// Queue and cache operations degrade to best-effort behavior.
	ErrStorage = errors.New("storage failure")

	// ErrRetryExhausted indicates an action failed its final replay attempt.
	// The action is removed from the queue and reported via sync status.
	ErrRetryExhausted = errors.New("retry limit exhausted")
)

// Fault wraps an underlying error with its taxonomy category and a short
// operation description.
type Fault struct {
	Kind error  // one of the sentinel errors above
	Op   string // operation that failed, e.g. "queue.enqueue"
	Err  error  // underlying cause, may be nil
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind.Error())
	}
	return fmt.Sprintf("%s: %s: %s", f.Op, f.Kind.Error(), f.Err.Error())
}

// Unwrap returns the underlying error for error chain support.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is reports whether the fault belongs to the target category.
func (f *Fault) Is(target error) bool {
	return target == f.Kind
}

// Network wraps err as a NetworkUnavailable fault.
func Network(op string, err error) error {
	return &Fault{Kind: ErrNetworkUnavailable, Op: op, Err: err}
}

// Validation wraps err as a ValidationError fault.
func Validation(op string, err error) error {
	return &Fault{Kind: ErrValidation, Op: op, Err: err}
}

// Storage wraps err as a StorageError fault.
func Storage(op string, err error) error {
	return &Fault{Kind: ErrStorage, Op: op, Err: err}
}

// RetryExhausted wraps err as a RetryExhausted fault.
func RetryExhausted(op string, err error) error {
	return &Fault{Kind: ErrRetryExhausted, Op: op, Err: err}
}

// IsNetwork reports whether err is a network availability failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStorage reports whether err is a storage failure.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsRetryExhausted reports whether err is a retry exhaustion.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}
