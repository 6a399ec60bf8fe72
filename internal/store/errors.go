package store

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by a manager operation matches exactly one
// of these via errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation error")
	ErrStorage      = errors.New("storage error")
)

// Error is a typed failure. Kind is one of the Err* sentinels; Err is the
// underlying cause, if any.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown id.
func NotFound(format string, args ...any) error { return newError(ErrNotFound, format, args...) }

// Conflict reports a duplicate unique value.
func Conflict(format string, args ...any) error { return newError(ErrConflict, format, args...) }

// InvalidState reports an operation the target's current state does not allow.
func InvalidState(format string, args ...any) error {
	return newError(ErrInvalidState, format, args...)
}

// Forbidden reports an actor that may not act on the target.
func Forbidden(format string, args ...any) error { return newError(ErrForbidden, format, args...) }

// Invalid reports a missing or malformed argument.
func Invalid(format string, args ...any) error { return newError(ErrValidation, format, args...) }

// Storage wraps a driver failure. Typed errors pass through untouched and
// sqlite UNIQUE violations become ErrConflict.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if isUniqueViolation(err) {
		return &Error{Kind: ErrConflict, Msg: op, Err: err}
	}
	return &Error{Kind: ErrStorage, Msg: op, Err: err}
}

// KindOf returns the sentinel kind carried by err, or ErrStorage for
// untyped errors. It returns nil for a nil error.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNotFound, ErrConflict, ErrInvalidState, ErrForbidden, ErrValidation, ErrStorage} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrStorage
}

// Both drivers report constraint violations with the sqlite message text.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
