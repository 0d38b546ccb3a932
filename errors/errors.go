// Package errors provides error handling for importpipe.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
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
//	return errors.WithHint(err, "check that the backend is reachable")
//
//	// Check errors
//	if errors.Is(err, errors.ErrJobMissing) {
//	    // handle missing job
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"context"

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
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors shared across the pipeline.
// Use these with errors.Is() for type-safe error checking.
// Wrap them with errors.Wrap() to add context while preserving the type.
var (
	// ErrJobMissing indicates a job id the backend no longer knows about
	// (expired from the queue, evicted history). Usually stale local
	// state, not a backend failure.
	ErrJobMissing = New("job not found")

	// ErrAborted indicates a user or programmatic cancellation. Never
	// surfaced as a failure.
	ErrAborted = New("aborted")

	// ErrConflict indicates a resource conflict (duplicate module title,
	// already-enqueued archive).
	ErrConflict = New("resource conflict")

	// ErrNotCancellable indicates a cancel request against a job that is
	// already terminal.
	ErrNotCancellable = New("job is not cancellable")
)

// IsJobMissing checks if an error is or wraps ErrJobMissing.
func IsJobMissing(err error) bool {
	return err != nil && Is(err, ErrJobMissing)
}

// IsAborted checks if an error is or wraps ErrAborted, including the
// context cancellation produced when an in-flight upload is aborted.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrAborted) || Is(err, context.Canceled)
}

// IsConflict checks if an error is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}
