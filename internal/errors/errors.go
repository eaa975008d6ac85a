// Package errors defines the typed error taxonomy returned by the approval
// engine. Every failure that crosses the API boundary carries a Code so the
// HTTP and gRPC layers can map it without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error.
type Code string

const (
	ErrCodeUnknownWorkflowKind      Code = "UNKNOWN_WORKFLOW_KIND"
	ErrCodeInstanceNotFound         Code = "INSTANCE_NOT_FOUND"
	ErrCodeInstanceAlreadyTerminal  Code = "INSTANCE_ALREADY_TERMINAL"
	ErrCodeRoleMismatch             Code = "ROLE_MISMATCH"
	ErrCodeMissingRejectionComments Code = "MISSING_REJECTION_COMMENTS"
	ErrCodeStaleInstanceState       Code = "STALE_INSTANCE_STATE"
	ErrCodeAlreadyDecided           Code = "ALREADY_DECIDED"
	ErrCodeDuplicateActiveInstance  Code = "DUPLICATE_ACTIVE_INSTANCE"
	ErrCodeInvalidTransition        Code = "INVALID_TRANSITION"
	ErrCodeInvalidInput             Code = "INVALID_INPUT"
	ErrCodeNotFound                 Code = "NOT_FOUND"
	ErrCodeUnauthorized             Code = "UNAUTHORIZED"
	ErrCodeInternal                 Code = "INTERNAL"
)

// Error is the concrete error type for all coded failures.
type Error struct {
	Code    Code
	Message string
	Field   string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same code, so
// errors.Is(err, errors.New(code, "")) matches on code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is re-exported so callers need a single errors import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
