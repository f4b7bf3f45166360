package message

import (
	"errors"
	"fmt"
	"reflect"
)

// Status tags the case of a Result.
type Status uint8

const (
	StatusOK         Status = 0
	StatusBadRequest Status = 1 // the callee rejected the input, BadRequest holds why
	StatusUnexpected Status = 2 // something internal broke, Unexpected holds a diagnostic
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Unit is the payload of acks and the argument type of methods without arguments.
type Unit struct{}

// NoError is the application error type of methods that never reject their
// input. The server never sends a BadRequest carrying it.
type NoError struct{}

// Result is the envelope carried by every frame after the header.
// Only the field selected by Status is meaningful.
//
// Value is omitted when empty, so a failure built for one value type decodes
// as a Result of any other. An empty slice or map value therefore arrives as
// nil; readers treat the two alike.
type Result[T, E any] struct {
	Status     Status `json:"status" msgpack:"status"`
	Value      T      `json:"value,omitempty" msgpack:"value,omitempty"`
	BadRequest E      `json:"bad_request,omitempty" msgpack:"bad_request,omitempty"`
	Unexpected string `json:"unexpected,omitempty" msgpack:"unexpected,omitempty"`
}

func OK[T, E any](v T) Result[T, E] {
	return Result[T, E]{Status: StatusOK, Value: v}
}

func Rejected[T, E any](e E) Result[T, E] {
	return Result[T, E]{Status: StatusBadRequest, BadRequest: e}
}

func Failure[T, E any](text string) Result[T, E] {
	return Result[T, E]{Status: StatusUnexpected, Unexpected: text}
}

// Unwrap returns the value of an OK result, or the failure as an *Error[E].
func (r Result[T, E]) Unwrap() (T, error) {
	var zero T
	switch r.Status {
	case StatusOK:
		return r.Value, nil
	case StatusBadRequest:
		return zero, BadRequest(r.BadRequest)
	case StatusUnexpected:
		return zero, Unexpected[E](r.Unexpected)
	default:
		return zero, Unexpected[E](fmt.Sprintf("unknown result status %d", r.Status))
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// ToResult converts the outcome of a handler into an envelope:
//
//   - a nil error is OK(v);
//   - an *Error[E], or an error of type E when E implements error, is BadRequest;
//   - an Unexpected failure of any error type keeps its original text;
//   - anything else is Unexpected(err.Error()).
func ToResult[T, E any](v T, err error) Result[T, E] {
	if err == nil {
		return OK[T, E](v)
	}

	var typed *Error[E]
	if errors.As(err, &typed) {
		if typed.status == StatusBadRequest {
			return Rejected[T](typed.value)
		}
		return Failure[T, E](typed.text)
	}

	if reflect.TypeOf((*E)(nil)).Elem().Implements(errorType) {
		var appErr E
		if errors.As(err, &appErr) {
			return Rejected[T](appErr)
		}
	}

	if text, ok := UnexpectedText(err); ok {
		return Failure[T, E](text)
	}
	return Failure[T, E](err.Error())
}
