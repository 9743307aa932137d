// Package faults defines the error taxonomy shared by the Jarvis runtime.
// Every failure that crosses a component boundary (store, generator,
// registry, dispatcher) is wrapped in an *Error carrying a Kind, so callers
// can decide between retrying, surfacing the reason, or waiting.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for reaction decisions.
type Kind int

const (
	// KindValidation marks malformed unit source or missing contract fields.
	// Never retried automatically.
	KindValidation Kind = iota + 1

	// KindTransport marks an unreachable or slow collaborator (generator,
	// external API). Callers may retry with backoff.
	KindTransport

	// KindConflict marks trigger collisions and concurrent reloads.
	KindConflict

	// KindRuntime marks a handler failure caught at the isolation boundary.
	KindRuntime

	// KindPersistence marks a unit store write failure.
	KindPersistence
)

// String returns a stable label for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindConflict:
		return "conflict"
	case KindRuntime:
		return "runtime"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Transport subkinds.
const (
	Timeout     = "timeout"
	Unavailable = "unavailable"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind Kind

	// Op is the operation that failed (e.g. "registry.commit").
	Op string

	// Unit is the normalized unit name involved, if any.
	Unit string

	// Sub refines the kind (Timeout/Unavailable for transport errors).
	Sub string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Sub != "" {
		b.WriteString(" (")
		b.WriteString(e.Sub)
		b.WriteString(")")
	}
	if e.Unit != "" {
		fmt.Fprintf(&b, " [unit %s]", e.Unit)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Reason returns the innermost human-readable cause, without the op/kind prefix.
func (e *Error) Reason() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	var inner *Error
	if errors.As(e.Err, &inner) {
		return inner.Reason()
	}
	return e.Err.Error()
}

func newf(kind Kind, op, unit, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Unit: unit, Err: fmt.Errorf(format, args...)}
}

// Validation builds a validation error.
func Validation(op, unit, format string, args ...any) *Error {
	return newf(KindValidation, op, unit, format, args...)
}

// Conflict builds a conflict error.
func Conflict(op, unit, format string, args ...any) *Error {
	return newf(KindConflict, op, unit, format, args...)
}

// Runtime wraps a handler failure.
func Runtime(op, unit string, err error) *Error {
	return &Error{Kind: KindRuntime, Op: op, Unit: unit, Err: err}
}

// Persistence wraps a store failure.
func Persistence(op, unit string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Unit: unit, Err: err}
}

// Transport wraps a collaborator failure, deriving the subkind from err
// when sub is empty.
func Transport(op, sub string, err error) *Error {
	if sub == "" {
		sub = Unavailable
		if errors.Is(err, context.DeadlineExceeded) {
			sub = Timeout
		}
	}
	return &Error{Kind: KindTransport, Op: op, Sub: sub, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsRuntime reports whether err is a runtime error.
func IsRuntime(err error) bool { return KindOf(err) == KindRuntime }

// IsPersistence reports whether err is a persistence error.
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransport && e.Sub == Timeout
}

// Reason extracts a user-presentable reason from any error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}
