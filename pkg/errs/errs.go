// Package errs defines the error taxonomy shared by every vzr component.
//
// Errors are classified by Kind rather than by Go type, so callers branch
// on behavior ("is this retryable?") instead of on concrete error values.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller and the system should react to it.
type Kind int

const (
	// Unknown is the zero value; Kind(err) returns it for errors outside this taxonomy.
	Unknown Kind = iota
	// InvalidInput marks malformed caller input: bad dimension, NaN/Inf, bad id syntax, oversized payload.
	InvalidInput
	// NotFound marks a reference to a collection or vector id that does not exist.
	NotFound
	// Conflict marks a request that contradicts existing state: duplicate create, frozen-field reconfigure.
	Conflict
	// Capacity marks resource exhaustion: full shard, WAL that cannot rotate, saturated replication ring.
	Capacity
	// Corruption marks a failed integrity check in a snapshot or WAL record.
	Corruption
	// ReplicationTransient marks a recoverable replication-link failure: socket reset, handshake timeout.
	ReplicationTransient
	// Cancelled marks a caller-initiated cancellation; treated as benign by callers.
	Cancelled
	// Internal marks an invariant violation detected at runtime. Internal errors are fatal: see Must.
	Internal
)

// String renders the Kind for logs and error messages.
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Capacity:
		return "capacity"
	case Corruption:
		return "corruption"
	case ReplicationTransient:
		return "replication_transient"
	case Cancelled:
		return "cancelled"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with an operation name and a Kind.
type Error struct {
	Op  string
	K   Kind
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("vzr: %s: %v", e.K, e.Err)
	}
	return fmt.Sprintf("vzr: %s: %s: %v", e.Op, e.K, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New builds a new *Error for the given operation, kind and cause.
func New(op string, k Kind, err error) *Error {
	if err == nil {
		err = errors.New(k.String())
	}
	return &Error{Op: op, K: k, Err: err}
}

// Newf is New with a formatted message in place of a wrapped error.
func Newf(op string, k Kind, format string, args ...any) *Error {
	return New(op, k, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of err, or Unknown if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.K
	}
	return Unknown
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// Must panics if err is non-nil. Used at the points spec.md §7 designates
// as Internal-kind invariant violations, where the only safe response is
// to fail fast rather than risk silent data loss.
func Must(op string, cond bool, format string, args ...any) {
	if !cond {
		panic(New(op, Internal, fmt.Errorf(format, args...)))
	}
}
