package message

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// ValidationError is an application error type that implements error.
type ValidationError struct {
	Field string `json:"field"`
}

func (e ValidationError) Error() string {
	return "invalid " + e.Field
}

func TestToResultOK(t *testing.T) {
	res := ToResult[int, string](3, nil)
	if res.Status != StatusOK || res.Value != 3 {
		t.Fatalf("expect OK(3), got %+v", res)
	}
	v, err := res.Unwrap()
	if err != nil || v != 3 {
		t.Fatalf("expect 3, got %v, %v", v, err)
	}
}

func TestToResultBadRequest(t *testing.T) {
	res := ToResult[int, string](0, BadRequest("return error"))
	if diff := cmp.Diff(Rejected[int]("return error"), res); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	_, err := res.Unwrap()
	got, ok := AsBadRequest[string](err)
	if !ok || got != "return error" {
		t.Fatalf("expect BadRequest(return error), got %v", err)
	}
}

func TestToResultTypedError(t *testing.T) {
	// A plain error of type E, even wrapped, is a BadRequest.
	err := fmt.Errorf("checking args: %w", ValidationError{Field: "a"})
	res := ToResult[int, ValidationError](0, err)
	if res.Status != StatusBadRequest || res.BadRequest.Field != "a" {
		t.Fatalf("expect BadRequest(a), got %+v", res)
	}

	_, err = res.Unwrap()
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Field != "a" {
		t.Fatalf("expect errors.As to find ValidationError, got %v", err)
	}
	if err.Error() != "invalid a" {
		t.Fatalf("expect the application error text, got %q", err.Error())
	}
}

func TestToResultUnexpected(t *testing.T) {
	res := ToResult[int, string](0, errors.New("disk on fire"))
	if res.Status != StatusUnexpected || res.Unexpected != "disk on fire" {
		t.Fatalf("expect Unexpected(disk on fire), got %+v", res)
	}

	_, err := res.Unwrap()
	text, ok := UnexpectedText(err)
	if !ok || text != "disk on fire" {
		t.Fatalf("expect unexpected text, got %q, %v", text, ok)
	}
	if _, ok := AsBadRequest[string](err); ok {
		t.Fatalf("an Unexpected failure is not a BadRequest")
	}
}

// An Unexpected failure crossing to a method with another error type keeps
// its text instead of being wrapped again.
func TestToResultForwardsUnexpected(t *testing.T) {
	upstream := Unexpected[ValidationError]("client stream error")
	res := ToResult[int, string](0, fmt.Errorf("reading input: %w", upstream))
	if res.Unexpected != "client stream error" {
		t.Fatalf("expect forwarded text, got %q", res.Unexpected)
	}
}

func TestToResultNoError(t *testing.T) {
	res := ToResult[int, NoError](0, BadRequest(NoError{}))
	if res.Status != StatusBadRequest {
		t.Fatalf("expect BadRequest, got %v", res.Status)
	}
	res = ToResult[int, NoError](0, errors.New("boom"))
	if res.Status != StatusUnexpected {
		t.Fatalf("expect Unexpected, got %v", res.Status)
	}
}

func TestUnwrapUnknownStatus(t *testing.T) {
	_, err := Result[int, string]{Status: 9}.Unwrap()
	if _, ok := UnexpectedText(err); !ok {
		t.Fatalf("expect an Unexpected failure for an unknown status, got %v", err)
	}
}

func TestErrorText(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{BadRequest("nope"), "bad request: nope"},
		{BadRequest(ValidationError{Field: "b"}), "invalid b"},
		{Unexpected[string]("boom"), "internal server error: boom"},
		{Unexpectedf[string]("code %d", 7), "internal server error: code 7"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("expect %q, got %q", tc.want, got)
		}
	}

	e := Unexpected[string]("boom")
	if e.Status() != StatusUnexpected || e.Text() != "boom" {
		t.Fatalf("unexpected accessors: %v %q", e.Status(), e.Text())
	}
	if _, ok := e.Value(); ok {
		t.Fatalf("an Unexpected failure has no value")
	}
}

func TestMetadataCarrier(t *testing.T) {
	md := Metadata{}
	md.Set("traceparent", "00-abc-01")
	md.Set(MetadataCallID, "c-1")

	if md.Get("traceparent") != "00-abc-01" {
		t.Fatalf("expect traceparent, got %q", md.Get("traceparent"))
	}
	if md.Get("missing") != "" {
		t.Fatalf("expect empty value for a missing key")
	}
	if diff := cmp.Diff([]string{MetadataCallID, "traceparent"}, md.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	clone := md.Clone()
	clone.Set("traceparent", "changed")
	if md.Get("traceparent") != "00-abc-01" {
		t.Fatalf("Clone must not share values")
	}

	var empty Metadata
	if c := empty.Clone(); c == nil {
		t.Fatalf("Clone of nil metadata must be writable")
	}
}

func TestShape(t *testing.T) {
	cases := []struct {
		shape      Shape
		name       string
		in, output bool
	}{
		{Unary, "unary", false, false},
		{ClientStreaming, "client_streaming", true, false},
		{ServerStreaming, "server_streaming", false, true},
		{Bidi, "bidi", true, true},
	}
	for _, tc := range cases {
		if tc.shape.String() != tc.name || tc.shape.StreamsInput() != tc.in || tc.shape.StreamsOutput() != tc.output {
			t.Errorf("%v: unexpected shape properties", tc.shape)
		}
	}
}
