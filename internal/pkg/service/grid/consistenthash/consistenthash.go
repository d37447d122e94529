// Package consistenthash provides the immutable mapping of key segments to ordered owner lists
// and the factories computing it from the membership and the capacity factors.
package consistenthash

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const DefaultCapacityFactor = 1.0

// ConsistentHash maps each of NumSegments segments to an ordered owner list, the primary owner first.
// The value is immutable and safe for concurrent use.
type ConsistentHash struct {
	numOwners   int
	partitioner KeyPartitioner
	members     model.Addresses
	capacity    map[model.Address]float64
	owners      []model.Addresses
}

// Snapshot is the serializable form of the ConsistentHash.
type Snapshot struct {
	NumOwners       int                       `json:"numOwners"`
	NumSegments     int                       `json:"numSegments"`
	Members         model.Addresses           `json:"members"`
	CapacityFactors map[model.Address]float64 `json:"capacityFactors,omitempty"`
	Owners          []model.Addresses         `json:"owners"`
}

// New validates the definition and creates the ConsistentHash.
// Owner lists must not contain duplicates or unknown members and must not be longer than numOwners.
// A missing capacity factor means DefaultCapacityFactor.
func New(numOwners int, members model.Addresses, capacity map[model.Address]float64, owners []model.Addresses) (*ConsistentHash, error) {
	ch, err := newUnchecked(numOwners, len(owners), members, capacity, owners)
	if err != nil {
		return nil, err
	}
	for segment, list := range ch.owners {
		if len(list) > numOwners {
			return nil, newInvalidError("segment %d has %d owners, maximum is %d", segment, len(list), numOwners)
		}
	}
	return ch, nil
}

func newUnchecked(numOwners, numSegments int, members model.Addresses, capacity map[model.Address]float64, owners []model.Addresses) (*ConsistentHash, error) {
	b, err := newBuilder(numOwners, numSegments, members, capacity)
	if err != nil {
		return nil, err
	}
	if len(owners) != numSegments {
		return nil, newInvalidError("expected owners of %d segments, found %d", numSegments, len(owners))
	}

	for segment, list := range owners {
		for i, addr := range list {
			if !b.members.Contains(addr) {
				return nil, newInvalidError(`segment %d: owner "%s" is not a member`, segment, addr)
			}
			if b.capacity[addr] == 0 {
				return nil, newInvalidError(`segment %d: owner "%s" has zero capacity`, segment, addr)
			}
			if slices.Contains(list[:i], addr) {
				return nil, newInvalidError(`segment %d: duplicate owner "%s"`, segment, addr)
			}
		}
		if len(list) == 0 && len(b.active) > 0 {
			return nil, newInvalidError("segment %d has no owner", segment)
		}
		b.owners[segment] = slices.Clone(list)
	}

	return &ConsistentHash{
		numOwners:   numOwners,
		partitioner: b.partitioner,
		members:     b.members,
		capacity:    b.capacity,
		owners:      b.owners,
	}, nil
}

// FromSnapshot creates the ConsistentHash from the serialized form.
func FromSnapshot(s Snapshot) (*ConsistentHash, error) {
	if s.NumSegments != len(s.Owners) {
		return nil, newInvalidError("expected owners of %d segments, found %d", s.NumSegments, len(s.Owners))
	}
	// Owner lists of a union may be longer than numOwners
	return newUnchecked(s.NumOwners, s.NumSegments, s.Members, s.CapacityFactors, s.Owners)
}

func (ch *ConsistentHash) Snapshot() Snapshot {
	owners := make([]model.Addresses, len(ch.owners))
	for i, list := range ch.owners {
		owners[i] = slices.Clone(list)
	}
	return Snapshot{
		NumOwners:       ch.numOwners,
		NumSegments:     ch.NumSegments(),
		Members:         slices.Clone(ch.members),
		CapacityFactors: ch.CapacityFactors(),
		Owners:          owners,
	}
}

func (ch *ConsistentHash) MarshalJSON() ([]byte, error) {
	return json.Encode(ch.Snapshot(), false)
}

func (ch *ConsistentHash) UnmarshalJSON(data []byte) error {
	var s Snapshot
	if err := json.Decode(data, &s); err != nil {
		return err
	}
	v, err := FromSnapshot(s)
	if err != nil {
		return err
	}
	*ch = *v
	return nil
}

func (ch *ConsistentHash) NumOwners() int {
	return ch.numOwners
}

func (ch *ConsistentHash) NumSegments() int {
	return ch.partitioner.NumSegments()
}

func (ch *ConsistentHash) Partitioner() KeyPartitioner {
	return ch.partitioner
}

// Members returns a sorted copy of all members, including members with zero capacity.
func (ch *ConsistentHash) Members() model.Addresses {
	return slices.Clone(ch.members)
}

func (ch *ConsistentHash) IsMember(addr model.Address) bool {
	_, ok := ch.capacity[addr]
	return ok
}

// CapacityFactor returns the capacity factor of the member, or 0 if the address is not a member.
func (ch *ConsistentHash) CapacityFactor(addr model.Address) float64 {
	return ch.capacity[addr]
}

func (ch *ConsistentHash) CapacityFactors() map[model.Address]float64 {
	out := make(map[model.Address]float64, len(ch.capacity))
	for k, v := range ch.capacity {
		out[k] = v
	}
	return out
}

// Segment returns the segment of the key, it depends only on NumSegments.
func (ch *ConsistentHash) Segment(key string) int {
	return ch.partitioner.Segment(key)
}

func (ch *ConsistentHash) SegmentOwners(segment int) model.Addresses {
	return slices.Clone(ch.owners[segment])
}

// PrimaryOwner returns the primary owner of the segment, or an empty address if the segment has no owner.
func (ch *ConsistentHash) PrimaryOwner(segment int) model.Address {
	if list := ch.owners[segment]; len(list) > 0 {
		return list[0]
	}
	return ""
}

func (ch *ConsistentHash) LocateOwners(key string) model.Addresses {
	return ch.SegmentOwners(ch.Segment(key))
}

func (ch *ConsistentHash) LocatePrimary(key string) model.Address {
	return ch.PrimaryOwner(ch.Segment(key))
}

// Locate returns up to numOwners owners of the key, the primary owner first.
func (ch *ConsistentHash) Locate(key string, numOwners int) model.Addresses {
	list := ch.owners[ch.Segment(key)]
	if numOwners < len(list) {
		list = list[:numOwners]
	}
	return slices.Clone(list)
}

// LocateAll returns up to numOwners owners of each key.
func (ch *ConsistentHash) LocateAll(keys []string, numOwners int) map[string]model.Addresses {
	out := make(map[string]model.Addresses, len(keys))
	for _, key := range keys {
		out[key] = ch.Locate(key, numOwners)
	}
	return out
}

func (ch *ConsistentHash) IsSegmentOwner(addr model.Address, segment int) bool {
	return ch.owners[segment].Contains(addr)
}

func (ch *ConsistentHash) IsKeyOwner(addr model.Address, key string) bool {
	return ch.IsSegmentOwner(addr, ch.Segment(key))
}

// SegmentsForOwner returns sorted segments owned by the address, as a primary or a backup owner.
func (ch *ConsistentHash) SegmentsForOwner(addr model.Address) []int {
	var out []int
	for segment, list := range ch.owners {
		if list.Contains(addr) {
			out = append(out, segment)
		}
	}
	return out
}

// PrimarySegmentsForOwner returns sorted segments where the address is the primary owner.
func (ch *ConsistentHash) PrimarySegmentsForOwner(addr model.Address) []int {
	var out []int
	for segment, list := range ch.owners {
		if len(list) > 0 && list[0] == addr {
			out = append(out, segment)
		}
	}
	return out
}

// Equal compares owners, members and capacity factors.
func (ch *ConsistentHash) Equal(other *ConsistentHash) bool {
	if ch == nil || other == nil {
		return ch == other
	}
	if ch.numOwners != other.numOwners || !slices.Equal(ch.members, other.members) || len(ch.owners) != len(other.owners) {
		return false
	}
	for addr, factor := range ch.capacity {
		if other.capacity[addr] != factor {
			return false
		}
	}
	for i := range ch.owners {
		if !slices.Equal(ch.owners[i], other.owners[i]) {
			return false
		}
	}
	return true
}

// Fingerprint is a hash of the whole definition, equal consistent hashes have equal fingerprints.
func (ch *ConsistentHash) Fingerprint() (uint64, error) {
	v, err := hashstructure.Hash(ch.Snapshot(), hashstructure.FormatV2, nil)
	if err != nil {
		return 0, errors.PrefixError(err, "cannot compute fingerprint of the consistent hash")
	}
	return v, nil
}

// String dumps the owner table, one line per segment.
func (ch *ConsistentHash) String() string {
	var out strings.Builder
	_, _ = fmt.Fprintf(&out, "ConsistentHash{numOwners=%d, numSegments=%d, members=%s}\n", ch.numOwners, ch.NumSegments(), ch.members)
	for segment, list := range ch.owners {
		_, _ = fmt.Fprintf(&out, "%d: %s\n", segment, list)
	}
	return out.String()
}
