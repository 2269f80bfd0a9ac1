// Package apierr holds the closed error taxonomy shared by brokers, the
// controller and the HTTP layer. Brokers return *Error values; everything
// above them only maps Kind to a status code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

type Kind string

const (
	NotImplemented  Kind = "NOT_IMPLEMENTED"
	NotReady        Kind = "NOT_READY"
	NotFound        Kind = "NOT_FOUND"
	ReadOnly        Kind = "READ_ONLY"
	Unauthenticated Kind = "UNAUTHENTICATED"
	BadRequest      Kind = "BAD_REQUEST"
	UnknownKind     Kind = "UNKNOWN_KIND"
	Internal        Kind = "INTERNAL"
)

// Kinds lists every member of the taxonomy.
var Kinds = []Kind{NotImplemented, NotReady, NotFound, ReadOnly, Unauthenticated, BadRequest, UnknownKind, Internal}

// Status returns the HTTP status the kind is reported with.
func (k Kind) Status() int {
	switch k {
	case NotImplemented:
		return http.StatusNotImplemented
	case NotReady:
		return http.StatusServiceUnavailable
	case NotFound:
		return http.StatusNotFound
	case ReadOnly:
		return http.StatusMethodNotAllowed
	case Unauthenticated:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FieldError is one (field, message, code) triple.
type FieldError struct {
	Field   string `json:"field" yaml:"field"`
	Message string `json:"message" yaml:"message"`
	Code    string `json:"code" yaml:"code"`
}

type Error struct {
	Kind   Kind
	Detail string
	Fields []FieldError
	Cause  error
	stack  []byte
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int { return e.Kind.Status() }

func New(kind Kind, format string, args ...any) *Error {
	e := &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
	if kind == Internal || kind == UnknownKind {
		e.stack = debug.Stack()
	}
	return e
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Cause = cause
	return e
}

// Invalid builds a BAD_REQUEST carrying every field error in errs.
func Invalid(detail string, errs field.ErrorList) *Error {
	e := New(BadRequest, "%s", detail)
	e.Fields = FromFieldList(errs)
	return e
}

// From converts any error into an *Error. Errors that already carry a kind
// are returned as-is; everything else becomes INTERNAL.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(Internal, err, "internal error")
}

// KindOf reports the taxonomy kind of err, INTERNAL for untyped errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Envelope is the serialized error body.
type Envelope struct {
	Error       string       `json:"error" yaml:"error"`
	Detail      string       `json:"detail" yaml:"detail"`
	FieldErrors []FieldError `json:"field_errors,omitempty" yaml:"field_errors,omitempty"`
	StackTrace  string       `json:"stack_trace,omitempty" yaml:"stack_trace,omitempty"`
}

func (e *Error) Envelope(withStack bool) Envelope {
	env := Envelope{
		Error:       string(e.Kind),
		Detail:      e.Detail,
		FieldErrors: e.Fields,
	}
	if env.Detail == "" && e.Cause != nil {
		env.Detail = e.Cause.Error()
	}
	if withStack && len(e.stack) > 0 {
		env.StackTrace = string(e.stack)
	}
	return env
}

// FromFieldList flattens an apimachinery error list into wire triples.
func FromFieldList(errs field.ErrorList) []FieldError {
	if len(errs) == 0 {
		return nil
	}
	out := make([]FieldError, 0, len(errs))
	for _, fe := range errs {
		msg := fe.Detail
		if msg == "" {
			msg = fe.Type.String()
		}
		out = append(out, FieldError{
			Field:   fe.Field,
			Message: msg,
			Code:    Code(fe.Type),
		})
	}
	return out
}

// Code maps an apimachinery error type onto the wire code.
func Code(t field.ErrorType) string {
	switch t {
	case field.ErrorTypeRequired:
		return "required"
	case field.ErrorTypeNotFound:
		return "not_found"
	case field.ErrorTypeDuplicate:
		return "duplicate"
	case field.ErrorTypeNotSupported:
		return "not_supported"
	case field.ErrorTypeForbidden:
		return "forbidden"
	case field.ErrorTypeTooLong:
		return "too_long"
	case field.ErrorTypeTooMany:
		return "too_many"
	case field.ErrorTypeTypeInvalid:
		return "type_invalid"
	case field.ErrorTypeInternal:
		return "internal"
	default:
		return "invalid"
	}
}
