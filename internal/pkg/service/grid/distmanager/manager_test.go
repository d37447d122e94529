package distmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/data-grid/internal/pkg/log"
	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

func stableTopology(t *testing.T, id int, members model.Addresses) *topology.CacheTopology {
	t.Helper()
	ch, err := consistenthash.SyncFactory{}.Create(2, 16, members, nil)
	require.NoError(t, err)
	return topology.NewStable(id, 0, ch, nil)
}

func TestManager_Queries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New("a", log.NewNopLogger())
	assert.Nil(t, m.Topology())
	assert.Equal(t, 0, m.TopologyID())
	_, err := m.Locate("key", ModeRead)
	require.ErrorIs(t, err, ErrNoTopology)
	_, err = m.Locality("key")
	require.ErrorIs(t, err, ErrNoTopology)
	assert.False(t, m.IsLocal("key"))

	topo := stableTopology(t, 1, model.Addresses{"a", "b", "c"})
	ok, err := m.Install(ctx, topo)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, key := range []string{"foo", "bar", "baz", "key1", "key2"} {
		owners, err := m.Locate(key, ModeRead)
		require.NoError(t, err)
		assert.Len(t, owners, 2)
		writeOwners, err := m.Locate(key, ModeWrite)
		require.NoError(t, err)
		assert.Equal(t, owners, writeOwners)

		locality, err := m.Locality(key)
		require.NoError(t, err)
		if owners.Contains("a") {
			assert.Equal(t, LocalityLocal, locality)
			assert.True(t, m.IsLocal(key))
			assert.True(t, m.IsWriteOwner(key))
		} else {
			assert.Equal(t, LocalityRemote, locality)
			assert.False(t, m.IsLocal(key))
		}

		info, err := m.KeyDistribution(key)
		require.NoError(t, err)
		assert.Equal(t, owners[0], info.Primary)
	}

	require.NoError(t, m.CheckTopology(1))
	err = m.CheckTopology(2)
	require.Error(t, err)
	assert.Equal(t, gridErrors.NewStaleTopologyError(2, 1), err)
}

func TestManager_LostLocality(t *testing.T) {
	t.Parallel()

	// Only a zero capacity member, segments have no owner
	ch, err := consistenthash.SyncFactory{}.Create(2, 4, model.Addresses{"a"}, map[model.Address]float64{"a": 0})
	require.NoError(t, err)

	m := New("a", log.NewNopLogger())
	_, err = m.Install(context.Background(), topology.NewStable(1, 0, ch, nil))
	require.NoError(t, err)

	locality, err := m.Locality("key")
	require.NoError(t, err)
	assert.Equal(t, LocalityLost, locality)
}

func TestManager_Install_Monotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := log.NewDebugLogger()
	m := New("a", logger)

	var lock sync.Mutex
	var calls []string
	m.OnPrepare(func(_ context.Context, prev, next *topology.CacheTopology) {
		lock.Lock()
		defer lock.Unlock()
		// The topology is not published yet
		assert.Equal(t, prev, m.Topology())
		calls = append(calls, "prepare")
	})
	m.OnInstall(func(_ context.Context, prev, next *topology.CacheTopology) {
		lock.Lock()
		defer lock.Unlock()
		assert.Equal(t, next, m.Topology())
		calls = append(calls, "install")
	})

	members := model.Addresses{"a", "b"}
	ok, err := m.Install(ctx, stableTopology(t, 2, members))
	require.NoError(t, err)
	assert.True(t, ok)

	// Older and equal IDs are ignored
	ok, err = m.Install(ctx, stableTopology(t, 1, members))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.Install(ctx, stableTopology(t, 2, members))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, m.TopologyID())

	ok, err = m.Install(ctx, stableTopology(t, 5, members))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, m.TopologyID())
	assert.Equal(t, []string{"prepare", "install", "prepare", "install"}, calls)

	// Invalid topology
	invalid := stableTopology(t, 6, members)
	invalid.Phase = "foo"
	_, err = m.Install(ctx, invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid topology "6"`)

	// Different number of segments
	ch, err := consistenthash.SyncFactory{}.Create(2, 8, members, nil)
	require.NoError(t, err)
	_, err = m.Install(ctx, topology.NewStable(7, 0, ch, nil))
	require.Error(t, err)
	assert.Equal(t, `topology "7" has 8 segments, expected 16`, err.Error())

	logger.AssertJSONMessages(t, `
{"level":"info","message":"installed topology \"2\", phase \"stable\", members [a, b]","component":"grid.distribution","topology.id":2}
{"level":"debug","message":"ignored topology \"1\", current is \"2\""}
{"level":"debug","message":"ignored topology \"2\", current is \"2\""}
{"level":"info","message":"installed topology \"5\", phase \"stable\", members [a, b]"}
`)
}

func TestManager_WaitForTopology(t *testing.T) {
	t.Parallel()

	m := New("a", log.NewNopLogger())
	members := model.Addresses{"a"}

	done := make(chan *topology.CacheTopology)
	go func() {
		topo, err := m.WaitForTopology(context.Background(), 3)
		assert.NoError(t, err)
		done <- topo
	}()

	_, err := m.Install(context.Background(), stableTopology(t, 1, members))
	require.NoError(t, err)
	select {
	case <-done:
		assert.Fail(t, "unexpected wakeup")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = m.Install(context.Background(), stableTopology(t, 4, members))
	require.NoError(t, err)
	select {
	case topo := <-done:
		assert.Equal(t, 4, topo.ID)
	case <-time.After(time.Second):
		assert.Fail(t, "timeout")
	}

	// Already installed
	topo, err := m.WaitForTopology(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, topo.ID)

	// Cancelled context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.WaitForTopology(ctx, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestManager_OnChangeListener(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New("a", log.NewNopLogger())
	members := model.Addresses{"a"}

	listener := m.OnChangeListener()
	_, err := m.Install(ctx, stableTopology(t, 1, members))
	require.NoError(t, err)
	assert.Equal(t, 1, (<-listener.C).ID)

	// The receiver is slow, only the latest topology is kept
	_, err = m.Install(ctx, stableTopology(t, 2, members))
	require.NoError(t, err)
	_, err = m.Install(ctx, stableTopology(t, 3, members))
	require.NoError(t, err)
	assert.Equal(t, 3, (<-listener.C).ID)

	// Stopped listener
	listener.Stop()
	_, err = m.Install(ctx, stableTopology(t, 4, members))
	require.NoError(t, err)
	select {
	case <-listener.C:
		assert.Fail(t, "unexpected topology")
	default:
	}
}
