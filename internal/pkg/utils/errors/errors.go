// Package errors wraps the standard errors package.
// Every created error carries a stack trace, nested and multi errors are formatted as a bullet list, see Format.
package errors

import (
	"errors"
	"fmt"
)

// withStack is an error with a captured stack trace.
type withStack struct {
	error
	trace StackTrace
}

// wrappedError is an error with a new message, the original error is accessible by Unwrap.
type wrappedError struct {
	msg   string
	cause error
	trace StackTrace
}

func New(message string) error {
	return &withStack{error: errors.New(message), trace: callers()}
}

// Errorf creates a new error, the %w verb is supported.
func Errorf(format string, a ...any) error {
	return &withStack{error: fmt.Errorf(format, a...), trace: callers()}
}

// Wrap replaces the error message, the original error is kept as the cause.
func Wrap(err error, message string) error {
	return &wrappedError{msg: message, cause: err, trace: callers()}
}

func Wrapf(err error, format string, a ...any) error {
	return &wrappedError{msg: fmt.Sprintf(format, a...), cause: err, trace: callers()}
}

// WithStack adds the stack trace to an existing error.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &withStack{error: err, trace: callers()}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func (e *withStack) Unwrap() error {
	return e.error
}

func (e *withStack) StackTrace() StackTrace {
	return e.trace
}

func (e *wrappedError) Error() string {
	return e.msg
}

func (e *wrappedError) Unwrap() error {
	return e.cause
}

func (e *wrappedError) StackTrace() StackTrace {
	return e.trace
}
