package graph

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers. Codes are stable and
// machine-readable; messages are for humans.
type Code string

const (
	CodeValidation  Code = "validation"   // bad input, rejected before any backend call
	CodeNotFound    Code = "not_found"    // referenced entity absent
	CodeConflict    Code = "conflict"     // duplicate key or state-guard failure
	CodeUnavailable Code = "unavailable"  // backend unreachable, caller may retry
	CodeInternal    Code = "internal"     // unexpected backend failure
)

// Error is a coded error. The message never includes backend query text.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Wrap attaches an underlying cause, preserving the code and message.
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, err: err}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not_found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Unavailablef builds an unavailable error.
func Unavailablef(format string, args ...any) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...)}
}

// Internalf builds an internal error.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsConflict reports whether err carries CodeConflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsValidation reports whether err carries CodeValidation.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsUnavailable reports whether err carries CodeUnavailable.
func IsUnavailable(err error) bool { return CodeOf(err) == CodeUnavailable }
