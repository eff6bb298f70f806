// Package errkind carries the stable error kinds of §7: every terminal
// pipeline failure exposes one of these so callers can branch on the kind
// rather than parsing messages.
package errkind

import "errors"

// Kind is a stable, descriptive (not type-based) error classification.
type Kind string

const (
	Validation       Kind = "Validation"
	SignatureRejected Kind = "SignatureRejected"
	Preparation      Kind = "Preparation"
	ApprovalDenied   Kind = "ApprovalDenied"
	ApprovalTimeout  Kind = "ApprovalTimeout"
	HealthDegradation Kind = "HealthDegradation"
	NodeDriverError  Kind = "NodeDriverError"
	Cancelled        Kind = "Cancelled"
	Conflict         Kind = "Conflict"
	Internal         Kind = "Internal"
	NotFound         Kind = "NotFound"
)

// Error wraps a Kind with a human message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a kinded error with no cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry one.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}
