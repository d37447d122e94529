package errors

import (
	"fmt"
	"time"
)

type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	err       error
}

func NewTimeoutError(operation string, timeout time.Duration, err error) TimeoutError {
	return TimeoutError{Operation: operation, Timeout: timeout, err: err}
}

func (e TimeoutError) ErrorName() string {
	return "timeout"
}

func (e TimeoutError) Error() string {
	msg := fmt.Sprintf(`operation "%s" timed out after %s`, e.Operation, e.Timeout)
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e TimeoutError) Unwrap() error {
	return e.err
}
