// Package errs defines the error-kind taxonomy shared across tactcore: every
// package that reaches a request boundary (encoding/archive lookups, root
// queries, mirror fetches, cache writes) returns a *Error wrapping one of
// these kinds so callers can branch on failure class with errors.Is/As
// instead of string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// NotFound: the requested key is absent from the consulted index/table.
	NotFound Kind = iota + 1
	// Corrupt: structural parse failure, magic mismatch, unexpected version, or checksum mismatch.
	Corrupt
	// Transport: network I/O failure or exhausted mirrors.
	Transport
	// Unsupported: BLTE chunk mode unknown, or a needed encryption key is missing.
	Unsupported
	// Cancelled: request aborted by deadline or caller.
	Cancelled
	// Invariant: a programmer-reachable assertion about internal state that should never occur on valid input.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Corrupt:
		return "corrupt"
	case Transport:
		return "transport"
	case Unsupported:
		return "unsupported"
	case Cancelled:
		return "cancelled"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is the wrapping error type returned at package boundaries.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "encoding.findByCKey"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, errs.ErrNotFound) style checks by comparing Kind
// sentinels; see the package-level sentinels below.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && e.Kind == Kind(k)
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return Kind(k).String() }

// Sentinels usable with errors.Is(err, errs.ErrNotFound).
var (
	ErrNotFound    error = kindSentinel(NotFound)
	ErrCorrupt     error = kindSentinel(Corrupt)
	ErrTransport   error = kindSentinel(Transport)
	ErrUnsupported error = kindSentinel(Unsupported)
	ErrCancelled   error = kindSentinel(Cancelled)
	ErrInvariant   error = kindSentinel(Invariant)
)

// New builds an *Error for op/kind, wrapping cause (which may be nil).
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// NotFoundf builds a NotFound *Error with a formatted cause.
func NotFoundf(op, format string, args ...any) *Error {
	return New(op, NotFound, fmt.Errorf(format, args...))
}

// Corruptf builds a Corrupt *Error with a formatted cause.
func Corruptf(op, format string, args ...any) *Error {
	return New(op, Corrupt, fmt.Errorf(format, args...))
}

// Is reports whether err (or any error it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
