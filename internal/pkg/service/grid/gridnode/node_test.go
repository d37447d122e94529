package gridnode

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/keboola/data-grid/internal/pkg/log"
	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport/local"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

type testDeps struct {
	clock     clockwork.Clock
	logger    log.DebugLogger
	telemetry telemetry.ForTest
	transport transport.Transport
}

func (d *testDeps) Clock() clockwork.Clock {
	return d.clock
}

func (d *testDeps) Logger() log.Logger {
	return d.logger
}

func (d *testDeps) Telemetry() telemetry.Telemetry {
	return d.telemetry
}

func (d *testDeps) Transport() transport.Transport {
	return d.transport
}

// newTestNode creates the node "a" with 2 segments, other members are not connected.
func newTestNode(t *testing.T) *Node {
	t.Helper()
	_, nodes := newTestNodes(t, "a")
	return nodes[0]
}

// newTestNodes creates nodes with 2 segments connected by one network.
func newTestNodes(t *testing.T, addrs ...model.Address) (*local.Network, []*Node) {
	t.Helper()
	network := local.NewNetwork()

	cfg := NewConfig()
	cfg.Hashing.NumSegments = 2
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	cfg.Retry.MaxElapsedTime = time.Second

	var nodes []*Node
	for _, addr := range addrs {
		d := &testDeps{
			clock:     clockwork.NewRealClock(),
			logger:    log.NewDebugLogger(),
			telemetry: telemetry.NewForTest(t),
			transport: network.Transport(addr),
		}
		n, err := New(d, addr, cfg)
		require.NoError(t, err)
		network.Join(addr, n)
		t.Cleanup(n.Close)
		nodes = append(nodes, n)
	}
	return network, nodes
}

func testCH(t *testing.T, owners ...model.Addresses) *consistenthash.ConsistentHash {
	t.Helper()
	ch, err := consistenthash.New(2, model.Addresses{"a", "b", "c"}, nil, owners)
	require.NoError(t, err)
	return ch
}

// keysInSegment returns keys mapped to the segment.
func keysInSegment(t *testing.T, n *Node, segment, count int) []string {
	t.Helper()
	var out []string
	for i := 0; len(out) < count; i++ {
		key := fmt.Sprintf("key-%d", i)
		if n.Container().Segment(key) == segment {
			out = append(out, key)
		}
	}
	return out
}

func install(t *testing.T, n *Node, topo *topology.CacheTopology) {
	t.Helper()
	require.NoError(t, n.HandleTopologyUpdate(context.Background(), transport.TopologyUpdateRequest{Origin: "c", Topology: topo}))
}

func TestNode_HandleTopologyUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := newTestNode(t)

	ch1 := testCH(t, model.Addresses{"a", "b"}, model.Addresses{"b", "a"})
	ch2 := testCH(t, model.Addresses{"b", "a"}, model.Addresses{"a", "b"})

	// Missing topology
	err := n.HandleTopologyUpdate(ctx, transport.TopologyUpdateRequest{Origin: "c"})
	require.Error(t, err)
	assert.Equal(t, `topology update from "c" has no topology`, err.Error())

	// Install, repeated delivery is a no-op
	install(t, n, topology.NewStable(1, 0, ch1, nil))
	install(t, n, topology.NewStable(1, 0, ch1, nil))
	assert.Equal(t, 1, n.DistributionManager().TopologyID())

	// Conflicting topology with the same ID
	var staleErr gridErrors.StaleTopologyError
	err = n.HandleTopologyUpdate(ctx, transport.TopologyUpdateRequest{Origin: "c", Topology: topology.NewStable(1, 0, ch2, nil)})
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, gridErrors.NewStaleTopologyError(1, 1), staleErr)

	// Older topology
	install(t, n, topology.NewStable(2, 0, ch2, nil))
	err = n.HandleTopologyUpdate(ctx, transport.TopologyUpdateRequest{Origin: "c", Topology: topology.NewStable(1, 0, ch1, nil)})
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, gridErrors.NewStaleTopologyError(1, 2), staleErr)
	assert.Equal(t, 2, n.DistributionManager().TopologyID())
}

func TestNode_HandleClusteredGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := newTestNode(t)
	install(t, n, topology.NewStable(1, 0, testCH(t, model.Addresses{"a", "b"}, model.Addresses{"b", "c"}), nil))

	owned := keysInSegment(t, n, 0, 1)[0]
	notOwned := keysInSegment(t, n, 1, 1)[0]
	n.Container().Put(owned, []byte("value"))

	res, err := n.HandleClusteredGet(ctx, transport.ClusteredGetRequest{Origin: "c", TopologyID: 1, Key: owned, RegisterRequestor: true})
	require.NoError(t, err)
	assert.Equal(t, transport.ClusteredGetResponse{Found: true, Value: []byte("value")}, res)
	assert.Equal(t, model.Addresses{"c"}, n.L1().Requestors(owned))

	res, err = n.HandleClusteredGet(ctx, transport.ClusteredGetRequest{Origin: "c", TopologyID: 1, Key: keysInSegment(t, n, 0, 2)[1]})
	require.NoError(t, err)
	assert.False(t, res.Found)

	var staleErr gridErrors.StaleTopologyError
	_, err = n.HandleClusteredGet(ctx, transport.ClusteredGetRequest{Origin: "c", TopologyID: 1, Key: notOwned})
	require.ErrorAs(t, err, &staleErr)
}

func TestNode_HandleBackupWrite_Order(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := newTestNode(t)
	install(t, n, topology.NewStable(1, 0, testCH(t, model.Addresses{"b", "a"}, model.Addresses{"b", "c"}), nil))

	key := keysInSegment(t, n, 0, 1)[0]
	write := func(seq uint64, value string, skip bool) transport.BackupWriteRequest {
		return transport.BackupWriteRequest{
			Origin:     "b",
			TopologyID: 1,
			Segment:    0,
			Epoch:      1,
			Sequence:   seq,
			Operation:  transport.Operation{Key: key, Value: []byte(value)},
			Skip:       skip,
		}
	}

	// The second write waits for the first one
	done := make(chan error, 1)
	go func() {
		_, err := n.HandleBackupWrite(ctx, write(2, "v2", false))
		done <- err
	}()
	select {
	case err := <-done:
		require.FailNow(t, "the write was not delayed", "error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	n.L1().AddRequestor(key, "c")
	res, err := n.HandleBackupWrite(ctx, write(1, "v1", false))
	require.NoError(t, err)
	assert.Equal(t, model.Addresses{"c"}, res.Requestors)
	require.NoError(t, <-done)

	value, found := n.Container().Get(key)
	assert.True(t, found)
	assert.Equal(t, "v2", string(value))

	// Repeated delivery is ignored
	_, err = n.HandleBackupWrite(ctx, write(1, "v1", false))
	require.NoError(t, err)
	value, _ = n.Container().Get(key)
	assert.Equal(t, "v2", string(value))

	// Skipped sequence advances the cursor only
	_, err = n.HandleBackupWrite(ctx, write(3, "v3", true))
	require.NoError(t, err)
	_, err = n.HandleBackupWrite(ctx, write(4, "v4", false))
	require.NoError(t, err)
	value, _ = n.Container().Get(key)
	assert.Equal(t, "v4", string(value))

	// Sequences of a segment with unchanged write owners continue in the next topology
	prev := n.DistributionManager().Topology()
	install(t, n, topology.NewStable(2, 0, testCH(t, model.Addresses{"b", "a"}, model.Addresses{"a", "c"}), nil).Succeed(prev))
	assert.Equal(t, []int{1, 2}, n.DistributionManager().Topology().Epochs())
	_, err = n.HandleBackupWrite(ctx, write(5, "v5", false))
	require.NoError(t, err)
	value, _ = n.Container().Get(key)
	assert.Equal(t, "v5", string(value))

	// Write of an older epoch, write owners of the segment have changed
	prev = n.DistributionManager().Topology()
	install(t, n, topology.NewStable(3, 0, testCH(t, model.Addresses{"c", "a"}, model.Addresses{"a", "c"}), nil).Succeed(prev))
	var staleErr gridErrors.StaleTopologyError
	_, err = n.HandleBackupWrite(ctx, write(6, "v6", false))
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, gridErrors.NewStaleTopologyError(1, 3), staleErr)
}

// testPair installs a stable topology with the primary "a" and the backup "b" of both segments.
func testPair(t *testing.T) (*local.Network, *Node, *Node) {
	t.Helper()
	network, nodes := newTestNodes(t, "a", "b")
	ch, err := consistenthash.New(2, model.Addresses{"a", "b"}, nil, []model.Addresses{{"a", "b"}, {"a", "b"}})
	require.NoError(t, err)
	for _, n := range nodes {
		install(t, n, topology.NewStable(1, 0, ch, nil))
	}
	return network, nodes[0], nodes[1]
}

func TestNode_PrimaryWrite_BackupUnreachableOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	network, a, b := testPair(t)

	// The first backup request is lost
	requests := atomic.NewInt64(0)
	network.Intercept(func(_ context.Context, _, to model.Address, req any) error {
		if _, ok := req.(transport.BackupWriteRequest); ok && to == "b" && requests.Inc() == 1 {
			return gridErrors.NewNodeUnreachableError("b", errors.New("connection reset"))
		}
		return nil
	})

	key := keysInSegment(t, a, 0, 1)[0]
	require.NoError(t, a.Put(ctx, key, []byte("v1")))
	value, found := b.Container().Get(key)
	assert.True(t, found)
	assert.Equal(t, "v1", string(value))

	// The following write is not blocked
	require.NoError(t, a.Put(ctx, key, []byte("v2")))
	value, _ = b.Container().Get(key)
	assert.Equal(t, "v2", string(value))
	assert.Equal(t, int64(3), requests.Load())
	assert.Equal(t, int64(0), a.telemetry.(telemetry.ForTest).CounterValue(t, "grid.write.restored"))
}

func TestNode_PrimaryWrite_BackupFailed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		prevValue []byte
	}{
		{name: "previous value is restored", prevValue: []byte("old")},
		{name: "missing key is removed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			network, a, b := testPair(t)
			key := keysInSegment(t, a, 0, 1)[0]
			if tc.prevValue != nil {
				require.NoError(t, a.Put(ctx, key, tc.prevValue))
			}

			// The backup is down, the write fails and is reverted
			network.SetDown("b", true)
			err := a.Put(ctx, key, []byte("new"))
			var unreachableErr gridErrors.NodeUnreachableError
			require.ErrorAs(t, err, &unreachableErr)
			for _, n := range []*Node{a, b} {
				value, found := n.Container().Get(key)
				assert.Equal(t, tc.prevValue != nil, found, `node "%s"`, n.Local())
				assert.Equal(t, tc.prevValue, value, `node "%s"`, n.Local())
			}
			assert.Positive(t, a.telemetry.(telemetry.ForTest).CounterValue(t, "grid.write.restored"))
			assert.Positive(t, a.pending.len())

			// The backup is back, pending requests are delivered before the next write
			network.SetDown("b", false)
			require.NoError(t, a.Put(ctx, key, []byte("newer")))
			value, found := b.Container().Get(key)
			assert.True(t, found)
			assert.Equal(t, "newer", string(value))
			assert.Equal(t, 0, a.pending.len())
		})
	}
}

// A write of the primary running during the topology change is applied before the new topology is published.
func TestNode_OnPrepare_DrainsPrimaryWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, a, _ := testPair(t)
	key := keysInSegment(t, a, 0, 1)[0]
	segment := a.Container().Segment(key)

	a.writeLocks[segment].Lock()
	installed := make(chan struct{})
	go func() {
		defer close(installed)
		prev := a.DistributionManager().Topology()
		ch, err := consistenthash.New(2, model.Addresses{"a", "b"}, nil, []model.Addresses{{"b", "a"}, {"b", "a"}})
		assert.NoError(t, err)
		_, err = a.DistributionManager().Install(ctx, topology.NewStable(2, 0, ch, nil).Succeed(prev))
		assert.NoError(t, err)
	}()

	// The install waits for the segment lock
	select {
	case <-installed:
		require.FailNow(t, "the topology was installed during a primary write")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, a.DistributionManager().TopologyID())
	a.writeLocks[segment].Unlock()
	<-installed
	assert.Equal(t, 2, a.DistributionManager().TopologyID())
}

func TestNode_StateTransfer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := newTestNode(t)

	stable := testCH(t, model.Addresses{"b"}, model.Addresses{"b"})
	pending := testCH(t, model.Addresses{"b", "a"}, model.Addresses{"b"})
	install(t, n, topology.NewStable(1, 0, stable, nil))

	rebalancing, err := topology.NewRebalancing(2, 1, stable, pending, stable, nil)
	require.NoError(t, err)
	install(t, n, rebalancing)

	keys := keysInSegment(t, n, 0, 3)
	chunk := func(rebalanceID, segment int, entries ...model.Entry) transport.StateTransferChunk {
		return transport.StateTransferChunk{Origin: "b", RebalanceID: rebalanceID, TopologyID: 2, Segment: segment, Entries: entries, Last: true}
	}

	// The key written in the write window is newer than the transferred one
	n.Container().Put(keys[0], []byte("written"))
	n.Container().Remove(keys[1])
	require.NoError(t, n.HandleStateTransferChunk(ctx, chunk(1, 0,
		model.Entry{Key: keys[0], Value: []byte("transferred")},
		model.Entry{Key: keys[1], Value: []byte("transferred")},
		model.Entry{Key: keys[2], Value: []byte("transferred")},
	)))
	value, _ := n.Container().Get(keys[0])
	assert.Equal(t, "written", string(value))
	_, found := n.Container().Get(keys[1])
	assert.False(t, found)
	value, _ = n.Container().Get(keys[2])
	assert.Equal(t, "transferred", string(value))

	// Other rebalance and not owned segment are rejected
	var staleErr gridErrors.StaleTopologyError
	require.ErrorAs(t, n.HandleStateTransferChunk(ctx, chunk(2, 0)), &staleErr)
	require.ErrorAs(t, n.HandleStateTransferChunk(ctx, chunk(1, 1)), &staleErr)

	// Push request of other rebalance is rejected
	err = n.HandleStartStatePush(ctx, transport.StatePushRequest{Origin: "c", RebalanceID: 5, TopologyID: 2, Segment: 0, Receivers: model.Addresses{"c"}})
	require.ErrorAs(t, err, &staleErr)

	// Late chunk after the rebalance is rejected
	install(t, n, topology.NewStable(3, 1, pending, nil))
	require.ErrorAs(t, n.HandleStateTransferChunk(ctx, chunk(1, 0)), &staleErr)
	assert.Equal(t, 2, n.Container().Len(0))

	// Data of segments no longer owned are dropped
	install(t, n, topology.NewStable(4, 2, stable, nil))
	assert.Equal(t, 0, n.Container().Len(0))
}

func TestNode_LocalOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := newTestNode(t)

	// The topology is installed later, the operation waits
	done := make(chan error, 1)
	go func() {
		done <- n.Put(ctx, "foo", []byte("bar"))
	}()
	install(t, n, topology.NewStable(1, 0, testCH(t, model.Addresses{"a"}, model.Addresses{"a"}), nil))
	require.NoError(t, <-done)

	value, found, err := n.Get(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "bar", string(value))

	require.NoError(t, n.Remove(ctx, "foo"))
	_, found, err = n.Get(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, found)

	var target map[string]string
	require.NoError(t, n.Put(ctx, "invalid", []byte("{")))
	_, err = n.GetJSON(ctx, "invalid", &target)
	var marshallingErr gridErrors.MarshallingError
	require.ErrorAs(t, err, &marshallingErr)

	assert.Equal(t, []string{"grid.node.Put", "grid.node.Get", "grid.node.Remove", "grid.node.Get", "grid.node.Put", "grid.node.Get"}, n.telemetry.(telemetry.ForTest).SpanNames())
}

func TestNode_Operation_StaleRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := newTestNode(t)
	install(t, n, topology.NewStable(1, 0, testCH(t, model.Addresses{"a"}, model.Addresses{"a"}), nil))

	attempts := 0
	err := n.retry(ctx, "test", func(_ context.Context, topo *topology.CacheTopology) error {
		attempts++
		if attempts == 1 {
			// A newer topology is installed meanwhile
			install(t, n, topology.NewStable(2, 0, testCH(t, model.Addresses{"a"}, model.Addresses{"a"}), nil))
			return gridErrors.NewStaleTopologyError(topo.ID, 2)
		}
		assert.Equal(t, 2, topo.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// Not retryable error
	attempts = 0
	err = n.retry(ctx, "test", func(_ context.Context, topo *topology.CacheTopology) error {
		attempts++
		return gridErrors.NewOwnersLostError("foo", 1)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	// Attempts are limited
	attempts = 0
	err = n.retry(ctx, "test", func(_ context.Context, topo *topology.CacheTopology) error {
		attempts++
		return gridErrors.NewStaleTopologyError(topo.ID, topo.ID)
	})
	var staleErr gridErrors.StaleTopologyError
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, n.config.Retry.MaxAttempts, attempts)
}
