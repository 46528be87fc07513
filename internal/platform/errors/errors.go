// Package errors provides the structured fault type used across the service.
//
// Expected outcomes (duplicate cart, missing part, non-approver, ...) are never
// modelled with this package; they are plain result values. An *Error always
// means something went wrong that the caller cannot branch around.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	ErrCodeInternal       Code = "INTERNAL"
	ErrCodeNotFound       Code = "NOT_FOUND"
	ErrCodeInvalidInput   Code = "INVALID_INPUT"
	ErrCodeConflict       Code = "CONFLICT"
	ErrCodeUnavailable    Code = "UNAVAILABLE"
	ErrCodeFinalizeFailed Code = "FINALIZE_FAILED"
	ErrCodeInconsistent   Code = "INCONSISTENT_STATE"
)

// Error is the service fault type.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// WithMetadata returns a copy of e carrying the extra key/value.
func (e *Error) WithMetadata(key, value string) *Error {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	cp := *e
	cp.Metadata = md
	return &cp
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Metadata: map[string]string{"resource": resource, "id": id},
	}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("invalid %s: %s", field, message),
		Metadata: map[string]string{"field": field},
	}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrCodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return stderrors.Is(err, &Error{Code: code})
}

// GRPCCode maps codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeConflict, ErrCodeFinalizeFailed:
		return codes.FailedPrecondition
	case ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeInconsistent:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// HTTPStatus maps codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeConflict, ErrCodeFinalizeFailed:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
