// ABOUTME: Typed error kinds every public engine operation can fail with.
// ABOUTME: Lets callers switch on Kind instead of matching error strings.
// Package skerrors defines the typed error kinds returned across the engine's
// public surface (§7). Every boundary-crossing operation returns one of these
// rather than an opaque wrapped error, so hosts can switch on Kind without
// string matching.
package skerrors

import "fmt"

// Kind identifies one of the error categories from §7.
type Kind uint8

const (
	_ Kind = iota
	KindBadInput
	KindNotFound
	KindCorrupt
	KindIoError
	KindVersionMismatch
	KindWouldBlock
	KindTimeout
	KindNotLeader
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "BadInput"
	case KindNotFound:
		return "NotFound"
	case KindCorrupt:
		return "Corrupt"
	case KindIoError:
		return "IoError"
	case KindVersionMismatch:
		return "VersionMismatch"
	case KindWouldBlock:
		return "WouldBlock"
	case KindTimeout:
		return "Timeout"
	case KindNotLeader:
		return "NotLeader"
	case KindClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Error is the concrete type returned for every engine failure. Op names the
// operation that failed (e.g. "put", "commitTransaction") for log correlation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skdb: %s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("skdb: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind. Matches the stdlib errors.Is
// contract via a target *Error whose Kind is set and other fields left zero.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func BadInput(op, format string, args ...any) *Error { return newf(KindBadInput, op, format, args...) }
func NotFound(op, format string, args ...any) *Error { return newf(KindNotFound, op, format, args...) }
func Corrupt(op, format string, args ...any) *Error  { return newf(KindCorrupt, op, format, args...) }
func NotLeader(op, format string, args ...any) *Error {
	return newf(KindNotLeader, op, format, args...)
}
func Closed(op, format string, args ...any) *Error { return newf(KindClosed, op, format, args...) }
func Timeout(op, format string, args ...any) *Error {
	return newf(KindTimeout, op, format, args...)
}
func WouldBlock(op, format string, args ...any) *Error {
	return newf(KindWouldBlock, op, format, args...)
}
func VersionMismatch(op, format string, args ...any) *Error {
	return newf(KindVersionMismatch, op, format, args...)
}

func CorruptWrap(op string, err error, format string, args ...any) *Error {
	return wrap(KindCorrupt, op, err, format, args...)
}
func IoError(op string, err error, format string, args ...any) *Error {
	return wrap(KindIoError, op, err, format, args...)
}

// Has reports whether err itself is an *Error of the given kind. Unlike
// errors.Is(err, &Error{Kind: kind}), it does not look through wrapped errors.
func Has(err error, kind Kind) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	return se.Kind == kind
}
