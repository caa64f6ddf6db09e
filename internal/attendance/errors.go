package attendance

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Every kind is reported to the caller.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindNotFound               Kind = "NOT_FOUND"
	KindNoActiveCode           Kind = "NO_ACTIVE_CODE"
	KindCodeMismatch           Kind = "CODE_MISMATCH"
	KindCodeExpired            Kind = "CODE_EXPIRED"
	KindOutOfRange             Kind = "OUT_OF_RANGE"
	KindNotEnrolled            Kind = "NOT_ENROLLED"
	KindTokenExpired           Kind = "TOKEN_EXPIRED"
	KindTokenAlreadyUsed       Kind = "TOKEN_ALREADY_USED"
	KindTokenStudentMismatch   Kind = "TOKEN_STUDENT_MISMATCH"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindUnavailable            Kind = "UNAVAILABLE"
)

// Error is the error type returned by the engine.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind carried by err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("attendance: not found")

// ErrConflict is returned by stores when a conditional write matched no row
// because the current state differs from the expected one.
var ErrConflict = errors.New("attendance: state changed concurrently")

// transientError marks persistence failures that may succeed on retry.
type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient wraps err so the service retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}
