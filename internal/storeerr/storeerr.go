// Package storeerr defines the closed set of error kinds surfaced by the
// storage and transaction core, and a Result-shaped wrapper that carries a
// kind alongside the usual wrapped cause.
//
// What: one Kind enum, one Error struct, two constructors (New, Wrap)
// that take the kind as their first argument.
// How: fmt.Errorf-style wrapping (%w) so errors.Is/errors.As keep working.
// Why: callers branch on Kind without parsing message strings; matches the
// propagation policy: IO/corruption aborts the transaction, DuplicateKey
// aborts only the statement, CheckpointBusy leaves state unchanged.
package storeerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories the storage core can return.
type Kind uint8

const (
	IoError Kind = iota
	BufferManagerError
	CorruptionError
	DuplicateKey
	NotFound
	TransactionError
	CheckpointBusy
	Interrupted
	ConfigError
	CapacityError
	TypeError
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case BufferManagerError:
		return "BufferManagerError"
	case CorruptionError:
		return "CorruptionError"
	case DuplicateKey:
		return "DuplicateKey"
	case NotFound:
		return "NotFound"
	case TransactionError:
		return "TransactionError"
	case CheckpointBusy:
		return "CheckpointBusy"
	case Interrupted:
		return "Interrupted"
	case ConfigError:
		return "ConfigError"
	case CapacityError:
		return "CapacityError"
	case TypeError:
		return "TypeError"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error is a human-readable message plus a Kind and, usually, a wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...)}
}

// Wrap builds an Error of the given kind wrapping cause. If cause is nil,
// Wrap returns nil so it is safe to use as `return storeerr.Wrap(kind, err, "...")`.
func Wrap(kind Kind, cause error, msg string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...), Cause: cause}
}

// Is reports whether err (or something it wraps) is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning ok=false if err is not (or
// does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
