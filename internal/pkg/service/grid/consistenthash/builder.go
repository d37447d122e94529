package consistenthash

import (
	"math"
	"slices"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

// builder holds a mutable owner table, it is used by the factories.
type builder struct {
	numOwners   int
	partitioner KeyPartitioner
	members     model.Addresses
	active      model.Addresses
	capacity    map[model.Address]float64
	owners      []model.Addresses
}

func newBuilder(numOwners, numSegments int, members model.Addresses, capacity map[model.Address]float64) (*builder, error) {
	if numOwners < 1 {
		return nil, newInvalidError("number of owners must be positive, found %d", numOwners)
	}
	partitioner, err := NewKeyPartitioner(numSegments)
	if err != nil {
		return nil, err
	}

	b := &builder{
		numOwners:   numOwners,
		partitioner: partitioner,
		members:     members.Sorted(),
		capacity:    make(map[model.Address]float64, len(members)),
		owners:      make([]model.Addresses, numSegments),
	}

	for i, addr := range b.members {
		if i > 0 && b.members[i-1] == addr {
			return nil, newInvalidError(`duplicate member "%s"`, addr)
		}
		factor := DefaultCapacityFactor
		if v, ok := capacity[addr]; ok {
			factor = v
		}
		if factor < 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
			return nil, newInvalidError(`invalid capacity factor %v of member "%s"`, factor, addr)
		}
		b.capacity[addr] = factor
		if factor > 0 {
			b.active = append(b.active, addr)
		}
	}

	return b, nil
}

func (b *builder) numSegments() int {
	return len(b.owners)
}

// actualOwners is the number of owners of each segment in a complete owner table.
func (b *builder) actualOwners() int {
	return min(b.numOwners, len(b.active))
}

func (b *builder) build() (*ConsistentHash, error) {
	return New(b.numOwners, b.members, b.capacity, b.owners)
}

// keepActive removes owners that are not active members, it keeps the order of the remaining owners.
func (b *builder) keepActive(prev []model.Addresses) {
	for segment := range b.owners {
		var list model.Addresses
		if segment < len(prev) {
			for _, addr := range prev[segment] {
				if b.capacity[addr] > 0 && !list.Contains(addr) {
					list = append(list, addr)
				}
			}
		}
		b.owners[segment] = list
	}
}

func (b *builder) ownedCount() map[model.Address]int {
	out := make(map[model.Address]int, len(b.active))
	for _, list := range b.owners {
		for _, addr := range list {
			out[addr]++
		}
	}
	return out
}

func (b *builder) primaryCount() map[model.Address]int {
	out := make(map[model.Address]int, len(b.active))
	for _, list := range b.owners {
		if len(list) > 0 {
			out[list[0]]++
		}
	}
	return out
}

// fillEmptySegments assigns an owner to each segment without owners, the least loaded member is used.
func (b *builder) fillEmptySegments() {
	if len(b.active) == 0 {
		return
	}
	count := b.ownedCount()
	for segment, list := range b.owners {
		if len(list) > 0 {
			continue
		}
		best := b.active[0]
		for _, addr := range b.active[1:] {
			if count[addr] < count[best] {
				best = addr
			}
		}
		b.owners[segment] = model.Addresses{best}
		count[best]++
	}
}

// quotas distributes total slots to members proportionally to the capacity factors.
// Each member gets at most limit slots, the rest is redistributed to the other members.
// The largest remainder method is used for rounding, ties are resolved by the address.
func quotas(active model.Addresses, capacity map[model.Address]float64, total, limit int) map[model.Address]int {
	out := make(map[model.Address]int, len(active))
	remaining := slices.Clone(active)
	left := total

	for len(remaining) > 0 {
		sum := 0.0
		for _, addr := range remaining {
			sum += capacity[addr]
		}

		var uncapped model.Addresses
		for _, addr := range remaining {
			if capacity[addr]/sum*float64(left) >= float64(limit) {
				out[addr] = limit
			} else {
				uncapped = append(uncapped, addr)
			}
		}
		if len(uncapped) == len(remaining) {
			break
		}
		left -= limit * (len(remaining) - len(uncapped))
		remaining = uncapped
	}

	if len(remaining) == 0 || left <= 0 {
		return out
	}

	sum := 0.0
	for _, addr := range remaining {
		sum += capacity[addr]
	}

	type share struct {
		addr     model.Address
		fraction float64
	}
	shares := make([]share, 0, len(remaining))
	assigned := 0
	for _, addr := range remaining {
		ideal := capacity[addr] / sum * float64(left)
		floor := int(math.Floor(ideal))
		out[addr] = floor
		assigned += floor
		shares = append(shares, share{addr: addr, fraction: ideal - float64(floor)})
	}

	slices.SortStableFunc(shares, func(a, b share) int {
		switch {
		case a.fraction > b.fraction:
			return -1
		case a.fraction < b.fraction:
			return 1
		default:
			return 0
		}
	})
	for i := 0; i < left-assigned && i < len(shares); i++ {
		out[shares[i].addr]++
	}

	return out
}
