// Package errors provides error handling for Loom.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
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
//	// Check errors
//	if errors.Is(err, errors.ErrTransient) {
//	    // schedule a retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
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
	Mark           = crdb.Mark
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf    = crdb.AssertionFailedf
	HasAssertionFailure = crdb.HasAssertionFailure
)

// Sentinel errors classifying every failure the sync engine handles.
// Wrap these with errors.Wrap() to add context while preserving the class;
// check with errors.Is() or the helpers below.
var (
	// ErrTransient indicates a temporary failure (network unreachable,
	// authority briefly unavailable). Always retried with backoff, never
	// surfaced as fatal.
	ErrTransient = New("transient failure")

	// ErrEntityGone indicates the target of an operation no longer exists
	// (account, workspace or entity deleted). Jobs observing it cancel
	// silently.
	ErrEntityGone = New("entity gone")

	// ErrRejected indicates the authority refused a specific mutation.
	// Surfaced per-mutation; the rest of the batch proceeds.
	ErrRejected = New("mutation rejected")

	// ErrUnavailable indicates the authority is known unreachable and no
	// network I/O was attempted.
	ErrUnavailable = New("authority unavailable")

	// ErrNotFound indicates the requested local row does not exist.
	ErrNotFound = New("not found")
)

// IsTransient reports whether err is or wraps ErrTransient.
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransient)
}

// IsEntityGone reports whether err is or wraps ErrEntityGone.
func IsEntityGone(err error) bool {
	return err != nil && Is(err, ErrEntityGone)
}

// IsRejected reports whether err is or wraps ErrRejected.
func IsRejected(err error) bool {
	return err != nil && Is(err, ErrRejected)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// WrapTransient wraps err as a transient failure with context. The original
// error stays in the cause chain, so Is/As against it keep working.
func WrapTransient(err error, context string) error {
	return Mark(Wrap(err, context), ErrTransient)
}

// WrapUnavailable wraps err as an authority-unavailable failure, keeping the
// original in the cause chain.
func WrapUnavailable(err error, context string) error {
	return Mark(Wrap(err, context), ErrUnavailable)
}

// NewEntityGone creates an entity-gone error with a formatted message.
func NewEntityGone(format string, args ...interface{}) error {
	return Wrap(ErrEntityGone, Newf(format, args...).Error())
}

// NewRejected creates a rejection error with a formatted message.
func NewRejected(format string, args ...interface{}) error {
	return Wrap(ErrRejected, Newf(format, args...).Error())
}
