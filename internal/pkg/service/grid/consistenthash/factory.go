package consistenthash

import (
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const (
	FactoryTypeSync    = "sync"
	FactoryTypeDefault = "default"
)

// Factory computes consistent hashes, implementations are stateless and deterministic,
// so all nodes compute identical owner tables from identical inputs.
type Factory interface {
	// Create a balanced consistent hash for the members.
	Create(numOwners, numSegments int, members model.Addresses, capacity map[model.Address]float64) (*ConsistentHash, error)
	// UpdateMembers removes owners that are no longer members and assigns an owner to each segment left without owners.
	// It does not rebalance, new members own nothing.
	UpdateMembers(base *ConsistentHash, members model.Addresses, capacity map[model.Address]float64) (*ConsistentHash, error)
	// Rebalance computes a balanced consistent hash for the members of the base.
	Rebalance(base *ConsistentHash) (*ConsistentHash, error)
}

func NewFactory(factoryType string) (Factory, error) {
	switch factoryType {
	case FactoryTypeSync:
		return SyncFactory{}, nil
	case FactoryTypeDefault:
		return DefaultFactory{}, nil
	default:
		return nil, errors.Errorf(`unexpected consistent hash factory "%s", expected "%s" or "%s"`, factoryType, FactoryTypeSync, FactoryTypeDefault)
	}
}

func updateMembers(base *ConsistentHash, members model.Addresses, capacity map[model.Address]float64) (*ConsistentHash, error) {
	b, err := newBuilder(base.numOwners, base.NumSegments(), members, capacity)
	if err != nil {
		return nil, err
	}
	b.keepActive(base.owners)
	b.fillEmptySegments()
	return b.build()
}

// Union merges owner lists of both consistent hashes, owners of a go first.
// Owner lists of the result may be longer than NumOwners, it is used as the write CH during a rebalance.
func Union(a, b *ConsistentHash) (*ConsistentHash, error) {
	if a.NumSegments() != b.NumSegments() {
		return nil, newInvalidError("cannot union consistent hashes with %d and %d segments", a.NumSegments(), b.NumSegments())
	}

	members := a.Members()
	capacity := b.CapacityFactors()
	for _, addr := range b.members {
		if !members.Contains(addr) {
			members = append(members, addr)
		}
	}
	for addr, factor := range a.capacity {
		capacity[addr] = factor
	}

	owners := make([]model.Addresses, a.NumSegments())
	for segment := range owners {
		list := a.SegmentOwners(segment)
		for _, addr := range b.owners[segment] {
			if !list.Contains(addr) {
				list = append(list, addr)
			}
		}
		owners[segment] = list
	}

	return newUnchecked(max(a.numOwners, b.numOwners), a.NumSegments(), members, capacity, owners)
}

// ReplaceSegments returns a copy of base where owners of the segments are taken from source.
// Members of the result are members of both consistent hashes.
func ReplaceSegments(base, source *ConsistentHash, segments []int) (*ConsistentHash, error) {
	if base.NumSegments() != source.NumSegments() {
		return nil, newInvalidError("cannot replace segments of consistent hashes with %d and %d segments", base.NumSegments(), source.NumSegments())
	}

	members := base.Members()
	capacity := source.CapacityFactors()
	for _, addr := range source.members {
		if !members.Contains(addr) {
			members = append(members, addr)
		}
	}
	for addr, factor := range base.capacity {
		if _, ok := capacity[addr]; !ok {
			capacity[addr] = factor
		}
	}

	owners := make([]model.Addresses, base.NumSegments())
	for segment := range owners {
		owners[segment] = base.owners[segment]
	}
	for _, segment := range segments {
		owners[segment] = source.owners[segment]
	}

	return newUnchecked(max(base.numOwners, source.numOwners), base.NumSegments(), members, capacity, owners)
}
