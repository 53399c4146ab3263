package vox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised while parsing metadata or decoding payloads.
// Each kind is itself an error so callers can test with errors.Is(err, vox.MalformedPayload).
type ErrorKind uint8

const (
	ParseError ErrorKind = iota + 1
	MalformedPayload
	UnsupportedEncoding
	UnsupportedRange
	UnexpectedFragment
	PrefixMismatch
	TruncatedBatchResponse
	BatchRetryExhausted
)

var kindNames = map[ErrorKind]string{
	ParseError:             "parse error",
	MalformedPayload:       "malformed payload",
	UnsupportedEncoding:    "unsupported encoding",
	UnsupportedRange:       "unsupported range",
	UnexpectedFragment:     "unexpected fragment",
	PrefixMismatch:         "prefix mismatch",
	TruncatedBatchResponse: "truncated batch response",
	BatchRetryExhausted:    "batch retries exhausted",
}

func (k ErrorKind) Error() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("error kind %d", uint8(k))
}

// Error is a classified failure carrying the offending field and raw value, if known.
type Error struct {
	Kind  ErrorKind
	Field string
	Value string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Field != "" {
		s += fmt.Sprintf(" in %s", e.Field)
	}
	if e.Value != "" {
		s += fmt.Sprintf(" (value %q)", truncate(e.Value, 64))
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an *Error against its ErrorKind.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// NewError returns a classified error for the given field and raw value.
func NewError(kind ErrorKind, field, value, format string, args ...interface{}) *Error {
	return &Error{
		Kind:  kind,
		Field: field,
		Value: value,
		Msg:   fmt.Sprintf(format, args...),
	}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, field string, err error) *Error {
	return &Error{Kind: kind, Field: field, Err: err}
}

// KindOf returns the ErrorKind of err or zero if err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
