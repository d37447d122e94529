package consistenthash

import (
	"fmt"
)

// InvalidError reports an invalid consistent hash definition.
type InvalidError struct {
	msg string
}

func newInvalidError(format string, a ...any) InvalidError {
	return InvalidError{msg: fmt.Sprintf(format, a...)}
}

func (e InvalidError) ErrorName() string {
	return "invalidConsistentHash"
}

func (e InvalidError) Error() string {
	return "invalid consistent hash: " + e.msg
}
