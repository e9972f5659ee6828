// Package errs declares the error kinds shared across every Themis core
// package, so callers can classify a failure (spec.md §7) without string
// matching. Each kind maps to exactly one propagation policy: NotFound and
// InvalidCursor are not logged as errors, Conflict/LockTimeout/Cancelled
// abort the active transaction but are retryable, the rest are terminal
// for the operation that raised them.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a Themis error (spec.md §7).
type Kind string

const (
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	LockTimeout        Kind = "lock_timeout"
	Cancelled          Kind = "cancelled"
	DimensionMismatch  Kind = "dimension_mismatch"
	SchemaViolation    Kind = "schema_violation"
	InvalidQuery       Kind = "invalid_query"
	InvalidCursor      Kind = "invalid_cursor"
	StorageUnavailable Kind = "storage_unavailable"
	Internal           Kind = "internal"
)

// Error is the concrete error type returned at every Themis API boundary.
// Op names the failing operation ("storage.Get", "aql.Parse", ...); Key
// carries the offending key/index/cursor when one exists.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Themis error for op, attributing kind and wrapping cause.
func New(op string, kind Kind, key string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err
// carries no *Error in its chain (an invariant violation by definition).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}
