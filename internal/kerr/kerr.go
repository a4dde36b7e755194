// Package kerr defines the canonical error taxonomy shared by every
// kernel component so callers can branch on failure kind with errors.Is
// instead of string matching.
package kerr

import (
	"errors"
	"fmt"
)

// Kind classifies a kernel error.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	NotFound          Kind = "not_found"
	PermissionDenied  Kind = "permission_denied"
	InvalidTransition Kind = "invalid_transition"
	CircuitOpen       Kind = "circuit_open"
	Timeout           Kind = "timeout"
	Corrupt           Kind = "corrupt"
	Internal          Kind = "internal"
)

// Error wraps an underlying cause with a Kind and a message, and
// participates in errors.Is/errors.As via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, kerr.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a bare kernel error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an existing error, preserving the chain.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err
// does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is a kernel error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
