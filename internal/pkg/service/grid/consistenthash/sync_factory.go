package consistenthash

import (
	"encoding/binary"
	"math"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

// SyncFactory assigns owners using weighted rendezvous hashing.
// Owners of a segment depend only on the segment and on the members with their capacity factors,
// not on the previous consistent hash. Adding a member moves only segments where the new member ranks high enough.
type SyncFactory struct{}

func (f SyncFactory) Create(numOwners, numSegments int, members model.Addresses, capacity map[model.Address]float64) (*ConsistentHash, error) {
	b, err := newBuilder(numOwners, numSegments, members, capacity)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		addr  model.Address
		score float64
	}

	actualOwners := b.actualOwners()
	ranking := make([]ranked, len(b.active))
	for segment := range b.owners {
		for i, addr := range b.active {
			ranking[i] = ranked{addr: addr, score: rendezvousScore(addr, segment, b.capacity[addr])}
		}
		slices.SortFunc(ranking, func(a, b ranked) int {
			switch {
			case a.score > b.score:
				return -1
			case a.score < b.score:
				return 1
			default:
				return strings.Compare(string(a.addr), string(b.addr))
			}
		})
		list := make(model.Addresses, actualOwners)
		for i := range list {
			list[i] = ranking[i].addr
		}
		b.owners[segment] = list
	}

	return b.build()
}

func (f SyncFactory) UpdateMembers(base *ConsistentHash, members model.Addresses, capacity map[model.Address]float64) (*ConsistentHash, error) {
	return updateMembers(base, members, capacity)
}

func (f SyncFactory) Rebalance(base *ConsistentHash) (*ConsistentHash, error) {
	return f.Create(base.numOwners, base.NumSegments(), base.members, base.capacity)
}

// rendezvousScore is the weighted rendezvous score: -capacity / ln(u), where u is a uniform hash in (0, 1).
func rendezvousScore(addr model.Address, segment int, capacity float64) float64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(segment)) //nolint:gosec // segment is never negative
	d := xxhash.New()
	_, _ = d.WriteString(string(addr))
	_, _ = d.Write(buf[:])
	u := (float64(d.Sum64()>>11) + 0.5) / (1 << 53)
	return -capacity / math.Log(u)
}
