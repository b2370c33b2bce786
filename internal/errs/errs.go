// Package errs defines the error taxonomy shared by the control plane.
//
// Every component returns *Error values (possibly wrapped) so the API
// boundary can render a stable {errorKind, message} pair without knowing
// which component failed.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and the API boundary.
type Kind string

// Error kinds.
const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindIndexOutOfRange Kind = "index_out_of_range"
	KindBusy            Kind = "busy"
	KindIOFailure       Kind = "io_failure"
	KindCorrupt         Kind = "corrupt"
	KindSpawnFailed     Kind = "spawn_failed"
	KindProcessExited   Kind = "process_exited"
	KindCrashLoop       Kind = "crash_loop"
	KindTimeout         Kind = "timeout"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal"
)

// Error is a classified error with an optional field name and cause.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Field != "" {
		prefix += " (" + e.Field + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Field creates a validation error for a single named field.
func Field(field, reason string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: reason}
}

// Busy reports that the capture device is held by holder.
func Busy(holder string) *Error {
	if holder == "" {
		holder = "another owner"
	}
	return &Error{Kind: KindBusy, Message: fmt.Sprintf("capture device is held by %s", holder)}
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal when err carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k interface{ ErrorKind() Kind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindInternal
}

// ErrorKind lets KindOf find *Error and other classified types uniformly.
func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
