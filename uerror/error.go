package uerror

import (
	"errors"
	"fmt"
)

// Error couples a domain Code with an optional path and wrapped cause.
// Fatal errors terminate a download immediately; non-fatal ones may be
// retried within the timeout budget.
type Error struct {
	Code  Code
	Fatal bool
	Path  string
	cause error
}

// New returns a bare domain error. Fatality follows the taxonomy:
// retryable codes are non-fatal, everything else is fatal.
func New(code Code) *Error {
	return &Error{Code: code, Fatal: !code.Retryable()}
}

// Wrap attaches a cause to a domain error.
func Wrap(code Code, cause error) *Error {
	e := New(code)
	e.cause = cause
	return e
}

// WithPath records the file the error relates to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (0x%02x)", e.Code, int(e.Code))
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets errors.Is match two domain errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the domain code from an error chain, UnknownError if
// the chain carries no domain error, Succeed for nil.
func CodeOf(err error) Code {
	if err == nil {
		return Succeed
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return !e.Fatal
	}
	return false
}

// IsFatal reports whether err should abort the download without retry.
// Unclassified errors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return true
}
