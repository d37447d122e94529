package errors

import (
	"fmt"
)

// OwnersLostError is returned when all owners of the key segment have left the cluster.
type OwnersLostError struct {
	Key     string
	Segment int
}

func NewOwnersLostError(key string, segment int) OwnersLostError {
	return OwnersLostError{Key: key, Segment: segment}
}

func (e OwnersLostError) ErrorName() string {
	return "allOwnersLost"
}

func (e OwnersLostError) Error() string {
	return fmt.Sprintf(`all owners of the segment "%d" are lost, key "%s"`, e.Segment, e.Key)
}
