// Package domainerrors carries coded errors from services to transports.
//
// Services return these (usually through New or Wrap) so that handlers can map
// the failure onto an HTTP status without inspecting error strings. Stores
// should keep returning sentinel errors and let the service translate them.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain failure.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInternal           Code = "internal_error"

	// CodeImmutable is returned for any attempt to change or remove a stored
	// event other than toggling its reviewed flag.
	CodeImmutable Code = "immutability_violation"
	// CodeRenderingDependency marks an export format whose renderer is not
	// installed on this host.
	CodeRenderingDependency Code = "rendering_dependency_missing"
	CodeRateLimited         Code = "rate_limited"
	// CodeSchedulingMisconfig covers scheduled reports that cannot be sent
	// as configured (no or invalid recipients).
	CodeSchedulingMisconfig Code = "scheduling_misconfiguration"
)

// Error is a coded domain error. Err is optional and keeps the cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error without a cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and a client-safe message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the outermost domain error in the chain, or
// CodeInternal when err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is a convenience alias for HasCode used in table tests.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}
