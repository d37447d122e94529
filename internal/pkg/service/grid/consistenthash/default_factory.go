package consistenthash

import (
	"slices"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

// DefaultFactory balances ownership proportionally to the capacity factors.
// Rebalance starts from the previous owner table, existing owners are kept unless the member owns
// more segments than its quota, so only the minimal number of segments moves.
type DefaultFactory struct{}

func (f DefaultFactory) Create(numOwners, numSegments int, members model.Addresses, capacity map[model.Address]float64) (*ConsistentHash, error) {
	return f.balance(numOwners, numSegments, members, capacity, nil)
}

func (f DefaultFactory) UpdateMembers(base *ConsistentHash, members model.Addresses, capacity map[model.Address]float64) (*ConsistentHash, error) {
	return updateMembers(base, members, capacity)
}

func (f DefaultFactory) Rebalance(base *ConsistentHash) (*ConsistentHash, error) {
	return f.balance(base.numOwners, base.NumSegments(), base.members, base.capacity, base.owners)
}

func (f DefaultFactory) balance(numOwners, numSegments int, members model.Addresses, capacity map[model.Address]float64, prev []model.Addresses) (*ConsistentHash, error) {
	b, err := newBuilder(numOwners, numSegments, members, capacity)
	if err != nil {
		return nil, err
	}

	b.keepActive(prev)
	actualOwners := b.actualOwners()
	if actualOwners == 0 {
		return b.build()
	}

	for segment, list := range b.owners {
		if len(list) > actualOwners {
			b.owners[segment] = list[:actualOwners]
		}
	}

	ownedQuota := quotas(b.active, b.capacity, numSegments*actualOwners, numSegments)
	primaryQuota := quotas(b.active, b.capacity, numSegments, numSegments)

	f.removeOverQuota(b, ownedQuota)
	f.fillMissingOwners(b, ownedQuota, actualOwners)
	f.balancePrimaries(b, primaryQuota)

	return b.build()
}

// removeOverQuota removes members from segments until they own at most their quota.
// Backup ownership is removed first, so primary owners are preserved where possible.
func (f DefaultFactory) removeOverQuota(b *builder, quota map[model.Address]int) {
	count := b.ownedCount()
	for _, addr := range b.active {
		excess := count[addr] - quota[addr]
		for _, primary := range []bool{false, true} {
			for segment := len(b.owners) - 1; segment >= 0 && excess > 0; segment-- {
				list := b.owners[segment]
				i := slices.Index(list, addr)
				if i < 0 || (i == 0) != primary {
					continue
				}
				b.owners[segment] = slices.Delete(slices.Clone(list), i, i+1)
				excess--
			}
		}
	}
}

// fillMissingOwners appends owners to segments with less than actualOwners owners.
// The member with the largest deficit against its quota is used, ties are resolved by the address.
func (f DefaultFactory) fillMissingOwners(b *builder, quota map[model.Address]int, actualOwners int) {
	count := b.ownedCount()
	for segment, list := range b.owners {
		for len(list) < actualOwners {
			var best model.Address
			bestDeficit := 0
			for _, addr := range b.active {
				if list.Contains(addr) {
					continue
				}
				if deficit := quota[addr] - count[addr]; best == "" || deficit > bestDeficit {
					best, bestDeficit = addr, deficit
				}
			}
			list = append(list, best)
			count[best]++
		}
		b.owners[segment] = list
	}
}

// balancePrimaries swaps the primary owner with a backup owner if the primary owns too many primary segments.
func (f DefaultFactory) balancePrimaries(b *builder, quota map[model.Address]int) {
	count := b.primaryCount()
	for segment, list := range b.owners {
		if len(list) < 2 || count[list[0]] <= quota[list[0]] {
			continue
		}

		swap := -1
		bestDeficit := 0
		for i, addr := range list[1:] {
			if deficit := quota[addr] - count[addr]; deficit > bestDeficit {
				swap, bestDeficit = i+1, deficit
			}
		}
		if swap < 0 {
			continue
		}

		list = slices.Clone(list)
		count[list[0]]--
		count[list[swap]]++
		list[0], list[swap] = list[swap], list[0]
		b.owners[segment] = list
	}
}
