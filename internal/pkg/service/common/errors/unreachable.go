package errors

import (
	"fmt"
)

// NodeUnreachableError is returned by a transport if the remote node cannot be reached.
type NodeUnreachableError struct {
	Address string
	err     error
}

func NewNodeUnreachableError(address string, err error) NodeUnreachableError {
	return NodeUnreachableError{Address: address, err: err}
}

func (e NodeUnreachableError) ErrorName() string {
	return "nodeUnreachable"
}

func (e NodeUnreachableError) Error() string {
	msg := fmt.Sprintf(`node "%s" is unreachable`, e.Address)
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e NodeUnreachableError) Unwrap() error {
	return e.err
}
