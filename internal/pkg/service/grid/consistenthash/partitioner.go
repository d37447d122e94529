package consistenthash

import (
	"github.com/ccoveille/go-safecast"
	"github.com/cespare/xxhash/v2"
)

// KeyPartitioner maps a key to a segment.
// The mapping depends only on the number of segments, never on the membership.
type KeyPartitioner struct {
	numSegments uint64
}

func NewKeyPartitioner(numSegments int) (KeyPartitioner, error) {
	n, err := safecast.ToUint64(numSegments)
	if err != nil || n == 0 {
		return KeyPartitioner{}, newInvalidError("number of segments must be positive, found %d", numSegments)
	}
	return KeyPartitioner{numSegments: n}, nil
}

func (p KeyPartitioner) Segment(key string) int {
	return int(xxhash.Sum64String(key) % p.numSegments) //nolint:gosec // the result is less than numSegments
}

func (p KeyPartitioner) NumSegments() int {
	return int(p.numSegments) //nolint:gosec
}
