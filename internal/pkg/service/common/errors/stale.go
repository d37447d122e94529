package errors

import (
	"fmt"
)

// StaleTopologyError is returned when a request was routed using a topology that is no longer current.
// The caller should wait for the new topology and retry the operation.
type StaleTopologyError struct {
	Expected int
	Actual   int
}

func NewStaleTopologyError(expected, actual int) StaleTopologyError {
	return StaleTopologyError{Expected: expected, Actual: actual}
}

func (e StaleTopologyError) ErrorName() string {
	return "staleTopology"
}

func (e StaleTopologyError) Error() string {
	return fmt.Sprintf(`stale topology: expected topology "%d", actual "%d"`, e.Expected, e.Actual)
}
