// Package types provides shared type definitions used across AgentOS packages.
// This package exists to break import cycles between the stores, the pipelines,
// and the runtime. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
// Every component classifies failures into one of these kinds. Callers use
// errors.Is against the sentinels; the CLI maps kinds to exit codes.

var (
	// ErrNotFound means the requested id does not exist (agent, memory,
	// conflict, proposal, task). Surfaced as-is.
	ErrNotFound = errors.New("not found")

	// ErrValidation means malformed input or an invariant violation at an
	// API boundary. The message names the invalid field.
	ErrValidation = errors.New("validation failure")

	// ErrStalePrecondition means an optimistic check (file hash, status
	// snapshot) failed. The caller should re-read and retry.
	ErrStalePrecondition = errors.New("stale precondition")

	// ErrStore means an underlying database or IO failure.
	ErrStore = errors.New("store error")

	// ErrUpstream means an LLM call or tool execution failed.
	ErrUpstream = errors.New("upstream failure")

	// ErrConflict means a competing mutation exists (e.g. a pending proposal
	// for the same path). The caller must wait or coalesce.
	ErrConflict = errors.New("conflict")

	// ErrCancelled means explicit cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal means schema mismatch on initialization or a corruption
	// invariant failure. The process aborts with a diagnostic.
	ErrFatal = errors.New("fatal")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Storef wraps ErrStore with a formatted message.
func Storef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStore)...)
}

// Upstreamf wraps ErrUpstream with a formatted message.
func Upstreamf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUpstream)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// StalePreconditionf wraps ErrStalePrecondition with a formatted message.
func StalePreconditionf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStalePrecondition)...)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err wraps ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsStalePrecondition reports whether err wraps ErrStalePrecondition.
func IsStalePrecondition(err error) bool {
	return errors.Is(err, ErrStalePrecondition)
}

// ErrorKind returns the taxonomy name for an error, or "unknown".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation_failure"
	case errors.Is(err, ErrStalePrecondition):
		return "stale_precondition"
	case errors.Is(err, ErrStore):
		return "store_error"
	case errors.Is(err, ErrUpstream):
		return "upstream_failure"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "unknown"
	}
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 1 generic error, 2 invalid input, 3 not found,
// 4 precondition failed, 5 cancelled.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidation):
		return 2
	case errors.Is(err, ErrNotFound):
		return 3
	case errors.Is(err, ErrStalePrecondition), errors.Is(err, ErrConflict):
		return 4
	case errors.Is(err, ErrCancelled):
		return 5
	default:
		return 1
	}
}
