package consistenthash

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

func nodes(n int) model.Addresses {
	out := make(model.Addresses, n)
	for i := range out {
		out[i] = model.Address(fmt.Sprintf("node-%d", i+1))
	}
	return out
}

func factories() map[string]Factory {
	return map[string]Factory{
		FactoryTypeSync:    SyncFactory{},
		FactoryTypeDefault: DefaultFactory{},
	}
}

func TestKeyPartitioner(t *testing.T) {
	t.Parallel()

	p, err := NewKeyPartitioner(16)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		segment := p.Segment(key)
		assert.GreaterOrEqual(t, segment, 0)
		assert.Less(t, segment, 16)
		assert.Equal(t, segment, p.Segment(key))
	}

	_, err = NewKeyPartitioner(0)
	require.Error(t, err)
	assert.Equal(t, "invalid consistent hash: number of segments must be positive, found 0", err.Error())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		members  model.Addresses
		capacity map[model.Address]float64
		owners   []model.Addresses
		err      string
	}{
		{
			name:    "unknown owner",
			members: model.Addresses{"a"},
			owners:  []model.Addresses{{"b"}},
			err:     `invalid consistent hash: segment 0: owner "b" is not a member`,
		},
		{
			name:    "duplicate owner",
			members: model.Addresses{"a", "b"},
			owners:  []model.Addresses{{"a", "a"}},
			err:     `invalid consistent hash: segment 0: duplicate owner "a"`,
		},
		{
			name:    "too many owners",
			members: model.Addresses{"a", "b", "c"},
			owners:  []model.Addresses{{"a", "b", "c"}},
			err:     `invalid consistent hash: segment 0 has 3 owners, maximum is 2`,
		},
		{
			name:    "no owner",
			members: model.Addresses{"a"},
			owners:  []model.Addresses{{"a"}, {}},
			err:     `invalid consistent hash: segment 1 has no owner`,
		},
		{
			name:     "zero capacity owner",
			members:  model.Addresses{"a", "b"},
			capacity: map[model.Address]float64{"b": 0},
			owners:   []model.Addresses{{"b"}},
			err:      `invalid consistent hash: segment 0: owner "b" has zero capacity`,
		},
		{
			name:     "negative capacity",
			members:  model.Addresses{"a"},
			capacity: map[model.Address]float64{"a": -1},
			owners:   []model.Addresses{{"a"}},
			err:      `invalid consistent hash: invalid capacity factor -1 of member "a"`,
		},
		{
			name:    "duplicate member",
			members: model.Addresses{"a", "a"},
			owners:  []model.Addresses{{"a"}},
			err:     `invalid consistent hash: duplicate member "a"`,
		},
	}

	for _, tc := range cases {
		_, err := New(2, tc.members, tc.capacity, tc.owners)
		if assert.Error(t, err, tc.name) {
			assert.Equal(t, tc.err, err.Error(), tc.name)
		}
	}
}

func TestConsistentHash_Queries(t *testing.T) {
	t.Parallel()

	ch, err := New(2, model.Addresses{"c", "a", "b"}, map[model.Address]float64{"b": 2}, []model.Addresses{
		{"a", "b"},
		{"b", "c"},
		{"c", "a"},
		{"b", "a"},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, ch.NumSegments())
	assert.Equal(t, 2, ch.NumOwners())
	assert.Equal(t, model.Addresses{"a", "b", "c"}, ch.Members())
	assert.Equal(t, 1.0, ch.CapacityFactor("a"))
	assert.Equal(t, 2.0, ch.CapacityFactor("b"))
	assert.Equal(t, 0.0, ch.CapacityFactor("x"))
	assert.True(t, ch.IsMember("c"))
	assert.False(t, ch.IsMember("x"))

	assert.Equal(t, []int{0, 2, 3}, ch.SegmentsForOwner("a"))
	assert.Equal(t, []int{0}, ch.PrimarySegmentsForOwner("a"))
	assert.Equal(t, []int{1, 3}, ch.PrimarySegmentsForOwner("b"))
	assert.True(t, ch.IsSegmentOwner("c", 1))
	assert.False(t, ch.IsSegmentOwner("c", 0))
	assert.Equal(t, model.Address("c"), ch.PrimaryOwner(2))

	key := "my-key"
	segment := ch.Segment(key)
	assert.Equal(t, ch.SegmentOwners(segment), ch.LocateOwners(key))
	assert.Equal(t, ch.PrimaryOwner(segment), ch.LocatePrimary(key))
	assert.Equal(t, ch.SegmentOwners(segment)[:1], ch.Locate(key, 1))
	assert.Equal(t, map[string]model.Addresses{key: ch.LocateOwners(key)}, ch.LocateAll([]string{key}, 2))
	assert.Equal(t, ch.IsSegmentOwner("a", segment), ch.IsKeyOwner("a", key))

	// Returned slices are copies
	owners := ch.SegmentOwners(0)
	owners[0] = "x"
	assert.Equal(t, model.Address("a"), ch.PrimaryOwner(0))

	assert.Equal(t, "ConsistentHash{numOwners=2, numSegments=4, members=[a, b, c]}\n0: [a, b]\n1: [b, c]\n2: [c, a]\n3: [b, a]\n", ch.String())
}

func TestConsistentHash_JSON(t *testing.T) {
	t.Parallel()

	ch, err := DefaultFactory{}.Create(2, 8, nodes(3), map[model.Address]float64{"node-2": 2})
	require.NoError(t, err)

	data, err := json.Encode(ch, false)
	require.NoError(t, err)

	decoded := &ConsistentHash{}
	require.NoError(t, json.Decode(data, decoded))
	assert.True(t, ch.Equal(decoded))
	fingerprint, err := ch.Fingerprint()
	require.NoError(t, err)
	decodedFingerprint, err := decoded.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fingerprint, decodedFingerprint)
	if diff := cmp.Diff(ch.Snapshot(), decoded.Snapshot()); diff != "" {
		t.Fatal(diff)
	}

	require.Error(t, json.DecodeString(`{"numOwners":1,"numSegments":2,"members":["a"],"owners":[["a"]]}`, decoded))
}

func TestFactory_OwnershipCardinality(t *testing.T) {
	t.Parallel()

	for name, factory := range factories() {
		for _, numMembers := range []int{1, 2, 3, 4, 7} {
			for _, numOwners := range []int{1, 2, 3} {
				ch, err := factory.Create(numOwners, 64, nodes(numMembers), nil)
				require.NoError(t, err)

				expected := min(numOwners, numMembers)
				for i := 0; i < 500; i++ {
					owners := ch.LocateOwners(fmt.Sprintf("key-%d", i))
					require.Len(t, owners, expected, "factory=%s members=%d owners=%d", name, numMembers, numOwners)
					distinct := make(map[model.Address]bool)
					for _, addr := range owners {
						distinct[addr] = true
					}
					assert.Len(t, distinct, expected)
				}
			}
		}
	}
}

func TestFactory_Determinism(t *testing.T) {
	t.Parallel()

	capacity := map[model.Address]float64{"node-1": 0.5, "node-3": 2}
	for name, factory := range factories() {
		ch1, err := factory.Create(2, 128, model.Addresses{"node-1", "node-2", "node-3", "node-4"}, capacity)
		require.NoError(t, err)
		ch2, err := factory.Create(2, 128, model.Addresses{"node-4", "node-3", "node-2", "node-1"}, capacity)
		require.NoError(t, err)

		assert.True(t, ch1.Equal(ch2), name)
		fingerprint1, err := ch1.Fingerprint()
		require.NoError(t, err)
		fingerprint2, err := ch2.Fingerprint()
		require.NoError(t, err)
		assert.Equal(t, fingerprint1, fingerprint2, name)
		assert.Equal(t, ch1.String(), ch2.String(), name)
	}
}

func TestFactory_CapacityExclusion(t *testing.T) {
	t.Parallel()

	capacity := map[model.Address]float64{"node-2": 0}
	for name, factory := range factories() {
		ch, err := factory.Create(2, 64, nodes(4), capacity)
		require.NoError(t, err)
		assert.Empty(t, ch.SegmentsForOwner("node-2"), name)
		assert.True(t, ch.IsMember("node-2"), name)

		rebalanced, err := factory.Rebalance(ch)
		require.NoError(t, err)
		assert.Empty(t, rebalanced.SegmentsForOwner("node-2"), name)
	}

	// All members have zero capacity, no segment has an owner
	ch, err := DefaultFactory{}.Create(2, 4, nodes(2), map[model.Address]float64{"node-1": 0, "node-2": 0})
	require.NoError(t, err)
	assert.Empty(t, ch.LocateOwners("foo"))
}

func TestDefaultFactory_Balance(t *testing.T) {
	t.Parallel()

	capacity := map[model.Address]float64{"node-1": 1, "node-2": 1, "node-3": 2}
	ch, err := DefaultFactory{}.Create(2, 100, nodes(3), capacity)
	require.NoError(t, err)

	// 200 owned segments, shares 50:50:100 are capped to 100 segments per member
	assert.Len(t, ch.SegmentsForOwner("node-1"), 50)
	assert.Len(t, ch.SegmentsForOwner("node-2"), 50)
	assert.Len(t, ch.SegmentsForOwner("node-3"), 100)

	// 100 primary segments, shares 25:25:50
	assert.Len(t, ch.PrimarySegmentsForOwner("node-1"), 25)
	assert.Len(t, ch.PrimarySegmentsForOwner("node-2"), 25)
	assert.Len(t, ch.PrimarySegmentsForOwner("node-3"), 50)
}

func TestSyncFactory_Balance(t *testing.T) {
	t.Parallel()

	capacity := map[model.Address]float64{"node-4": 3}
	ch, err := SyncFactory{}.Create(1, 1024, nodes(4), capacity)
	require.NoError(t, err)

	// Expected primary share of node-4 is 3/6 = 512 segments
	assert.InDelta(t, 512, len(ch.PrimarySegmentsForOwner("node-4")), 80)
	for _, addr := range nodes(3) {
		assert.InDelta(t, 171, len(ch.PrimarySegmentsForOwner(addr)), 60)
	}
}

func TestFactory_MinimalMovement_Join(t *testing.T) {
	t.Parallel()

	const numSegments = 256
	for name, factory := range factories() {
		before, err := factory.Create(2, numSegments, nodes(4), nil)
		require.NoError(t, err)

		updated, err := factory.UpdateMembers(before, nodes(5), nil)
		require.NoError(t, err)
		assert.Empty(t, updated.SegmentsForOwner("node-5"), "joiner owns nothing before rebalance")

		after, err := factory.Rebalance(updated)
		require.NoError(t, err)

		changed := changedSegments(before, after)
		// Ideal movement is 2/5 of the segments
		assert.Greater(t, changed, 0, name)
		assert.LessOrEqual(t, changed, numSegments*55/100, name)
		assert.InDelta(t, numSegments*2/5, len(after.SegmentsForOwner("node-5")), 40, name)
	}
}

func TestFactory_MinimalMovement_Leave(t *testing.T) {
	t.Parallel()

	const numSegments = 256
	for name, factory := range factories() {
		before, err := factory.Create(2, numSegments, nodes(5), nil)
		require.NoError(t, err)

		updated, err := factory.UpdateMembers(before, nodes(4), nil)
		require.NoError(t, err)
		assert.Empty(t, updated.SegmentsForOwner("node-5"))
		for segment := 0; segment < numSegments; segment++ {
			// Remaining owners are kept in the original order
			assert.Equal(t, before.SegmentOwners(segment).Without("node-5"), updated.SegmentOwners(segment), name)
		}

		after, err := factory.Rebalance(updated)
		require.NoError(t, err)

		// Only segments owned by the leaver need a new owner
		leaverSegments := len(before.SegmentsForOwner("node-5"))
		assert.LessOrEqual(t, changedSegments(before, after), leaverSegments*3/2, name)
	}
}

func TestUpdateMembers_AllOwnersLeft(t *testing.T) {
	t.Parallel()

	before, err := New(1, model.Addresses{"a", "b"}, nil, []model.Addresses{{"a"}, {"b"}, {"a"}})
	require.NoError(t, err)

	after, err := DefaultFactory{}.UpdateMembers(before, model.Addresses{"b", "c"}, nil)
	require.NoError(t, err)

	// Segments of "a" are assigned to the least loaded member
	assert.Equal(t, model.Addresses{"c"}, after.SegmentOwners(0))
	assert.Equal(t, model.Addresses{"b"}, after.SegmentOwners(1))
	assert.Equal(t, model.Addresses{"b"}, after.SegmentOwners(2))
}

func TestUnion(t *testing.T) {
	t.Parallel()

	a, err := New(2, model.Addresses{"a", "b", "c"}, nil, []model.Addresses{{"a", "b"}, {"b", "c"}})
	require.NoError(t, err)
	b, err := New(2, model.Addresses{"a", "b", "c", "d"}, nil, []model.Addresses{{"d", "a"}, {"b", "c"}})
	require.NoError(t, err)

	u, err := Union(a, b)
	require.NoError(t, err)
	assert.Equal(t, model.Addresses{"a", "b", "d"}, u.SegmentOwners(0))
	assert.Equal(t, model.Addresses{"b", "c"}, u.SegmentOwners(1))
	assert.Equal(t, model.Addresses{"a", "b", "c", "d"}, u.Members())
	assert.Equal(t, model.Address("a"), u.PrimaryOwner(0))

	other, err := New(1, model.Addresses{"a"}, nil, []model.Addresses{{"a"}})
	require.NoError(t, err)
	_, err = Union(a, other)
	require.Error(t, err)
}

func TestNewFactory(t *testing.T) {
	t.Parallel()

	f, err := NewFactory("sync")
	require.NoError(t, err)
	assert.IsType(t, SyncFactory{}, f)

	f, err = NewFactory("default")
	require.NoError(t, err)
	assert.IsType(t, DefaultFactory{}, f)

	_, err = NewFactory("ring")
	require.Error(t, err)
}

func TestQuotas(t *testing.T) {
	t.Parallel()

	capacity := map[model.Address]float64{"a": 1, "b": 1, "c": 1}
	assert.Equal(t, map[model.Address]int{"a": 4, "b": 3, "c": 3}, quotas(model.Addresses{"a", "b", "c"}, capacity, 10, 10))

	capacity = map[model.Address]float64{"a": 10, "b": 1, "c": 1}
	assert.Equal(t, map[model.Address]int{"a": 4, "b": 3, "c": 3}, quotas(model.Addresses{"a", "b", "c"}, capacity, 10, 4))
}

func changedSegments(before, after *ConsistentHash) int {
	changed := 0
	for segment := 0; segment < before.NumSegments(); segment++ {
		if !cmp.Equal(before.SegmentOwners(segment).Sorted(), after.SegmentOwners(segment).Sorted()) {
			changed++
		}
	}
	return changed
}

func TestReplaceSegments(t *testing.T) {
	t.Parallel()

	base, err := New(1, model.Addresses{"a", "b"}, nil, []model.Addresses{{"a"}, {"b"}, {"a"}})
	require.NoError(t, err)
	source, err := New(1, model.Addresses{"b", "c"}, nil, []model.Addresses{{"c"}, {"c"}, {"b"}})
	require.NoError(t, err)

	out, err := ReplaceSegments(base, source, []int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, model.Addresses{"c"}, out.SegmentOwners(0))
	assert.Equal(t, model.Addresses{"b"}, out.SegmentOwners(1))
	assert.Equal(t, model.Addresses{"b"}, out.SegmentOwners(2))
	assert.Equal(t, model.Addresses{"a", "b", "c"}, out.Members())
}
