package message

import (
	"errors"
	"fmt"
)

// Error is a failed call as seen by Go code. It is either BadRequest, an
// application error of the method's declared type E, or Unexpected, an opaque
// diagnostic for everything else.
type Error[E any] struct {
	status Status
	value  E
	text   string
}

func BadRequest[E any](e E) *Error[E] {
	return &Error[E]{status: StatusBadRequest, value: e}
}

func Unexpected[E any](text string) *Error[E] {
	return &Error[E]{status: StatusUnexpected, text: text}
}

func Unexpectedf[E any](format string, args ...any) *Error[E] {
	return Unexpected[E](fmt.Sprintf(format, args...))
}

func (e *Error[E]) Error() string {
	if e.status == StatusBadRequest {
		if err, ok := any(e.value).(error); ok && err != nil {
			return err.Error()
		}
		return fmt.Sprintf("bad request: %v", e.value)
	}
	return "internal server error: " + e.text
}

// Unwrap exposes an application error that itself implements error, so that
// errors.Is and errors.As see through the envelope.
func (e *Error[E]) Unwrap() error {
	if e.status != StatusBadRequest {
		return nil
	}
	if err, ok := any(e.value).(error); ok {
		return err
	}
	return nil
}

func (e *Error[E]) Status() Status {
	return e.status
}

// Value returns the application error and true for a BadRequest.
func (e *Error[E]) Value() (E, bool) {
	return e.value, e.status == StatusBadRequest
}

// Text returns the diagnostic of an Unexpected failure, or the error string
// of a BadRequest.
func (e *Error[E]) Text() string {
	if e.status == StatusUnexpected {
		return e.text
	}
	return e.Error()
}

func (e *Error[E]) unexpectedText() (string, bool) {
	return e.text, e.status == StatusUnexpected
}

type unexpectedError interface {
	unexpectedText() (string, bool)
}

// AsBadRequest finds a BadRequest of type E in err's chain.
func AsBadRequest[E any](err error) (E, bool) {
	var typed *Error[E]
	if errors.As(err, &typed) {
		return typed.Value()
	}
	var zero E
	return zero, false
}

// UnexpectedText finds an Unexpected failure of any error type in err's chain
// and returns its diagnostic.
func UnexpectedText(err error) (string, bool) {
	var u unexpectedError
	if errors.As(err, &u) {
		return u.unexpectedText()
	}
	return "", false
}
