// Package gridtest provides an in-process cluster of grid nodes connected by the local network.
//
// The topology coordinator runs on the oldest node, as in the grid-node binary.
// If the oldest node leaves, the coordinator is started on the next oldest node.
package gridtest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/grid/gridnode"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/rehash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport/local"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
)

const stableTimeout = 20 * time.Second

type Cluster struct {
	t       *testing.T
	config  gridnode.Config
	clock   clockwork.Clock
	network *local.Network

	lock        sync.Mutex
	nodes       map[model.Address]*Node
	members     []model.Member
	coordinator *rehash.Coordinator
	coordinated model.Address
}

type Node struct {
	*gridnode.Node
	DebugLogger   log.DebugLogger
	TestTelemetry telemetry.ForTest
}

type Option func(c *Cluster)

// WithConfig modifies the node configuration, it must be used before the first node is added.
func WithConfig(fn func(cfg *gridnode.Config)) Option {
	return func(c *Cluster) {
		fn(&c.config)
	}
}

func WithClock(clk clockwork.Clock) Option {
	return func(c *Cluster) {
		c.clock = clk
	}
}

type nodeDeps struct {
	clock     clockwork.Clock
	logger    log.Logger
	telemetry telemetry.Telemetry
	transport transport.Transport
}

func (d nodeDeps) Clock() clockwork.Clock {
	return d.clock
}

func (d nodeDeps) Logger() log.Logger {
	return d.logger
}

func (d nodeDeps) Telemetry() telemetry.Telemetry {
	return d.telemetry
}

func (d nodeDeps) Transport() transport.Transport {
	return d.transport
}

func NewCluster(t *testing.T, opts ...Option) *Cluster {
	t.Helper()

	cfg := gridnode.NewConfig()
	cfg.Hashing.NumSegments = 32
	cfg.Rehash.ChunkSize = 10

	c := &Cluster{
		t:       t,
		config:  cfg,
		clock:   clockwork.NewRealClock(),
		network: local.NewNetwork(),
		nodes:   make(map[model.Address]*Node),
	}
	for _, o := range opts {
		o(c)
	}

	t.Cleanup(func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if c.coordinator != nil {
			c.coordinator.Stop()
		}
		for _, n := range c.nodes {
			n.Close()
		}
	})

	return c
}

// Start adds nodes "node-1" ... "node-N" with the capacity factor 1 and waits for the stable topology.
func (c *Cluster) Start(count int) []*Node {
	c.t.Helper()
	var nodes []*Node
	for i := range count {
		nodes = append(nodes, c.AddNode(NodeAddress(i+1), 1))
	}
	c.WaitForStable()
	return nodes
}

func NodeAddress(i int) model.Address {
	return model.Address(fmt.Sprintf("node-%02d", i))
}

func (c *Cluster) Network() *local.Network {
	return c.network
}

func (c *Cluster) Config() gridnode.Config {
	return c.config
}

// AddNode connects a new node to the network and announces it to the coordinator.
// The method does not wait for the rebalance, see WaitForStable.
func (c *Cluster) AddNode(addr model.Address, capacityFactor float64) *Node {
	c.t.Helper()

	logger := log.NewDebugLogger()
	tel := telemetry.NewForTest(c.t)
	d := nodeDeps{
		clock:     c.clock,
		logger:    logger,
		telemetry: tel,
		transport: c.network.Transport(addr),
	}

	gn, err := gridnode.New(d, addr, c.config)
	require.NoError(c.t, err)
	c.network.Join(addr, gn)
	node := &Node{Node: gn, DebugLogger: logger, TestTelemetry: tel}

	c.lock.Lock()
	defer c.lock.Unlock()
	c.nodes[addr] = node
	c.members = append(c.members, model.Member{Address: addr, CapacityFactor: capacityFactor})
	c.membersChanged()
	return node
}

// RemoveNode disconnects the node and announces the leave to the coordinator.
func (c *Cluster) RemoveNode(addr model.Address) {
	c.t.Helper()

	c.lock.Lock()
	defer c.lock.Unlock()

	node, ok := c.nodes[addr]
	require.True(c.t, ok, `node "%s" not found`, addr)
	c.network.Leave(addr)
	delete(c.nodes, addr)
	c.members = slices.DeleteFunc(c.members, func(m model.Member) bool {
		return m.Address == addr
	})
	if c.coordinated == addr {
		c.coordinator.Stop()
		c.coordinator = nil
		c.coordinated = ""
	}
	node.Close()
	c.membersChanged()
}

func (c *Cluster) Node(addr model.Address) *Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.nodes[addr]
}

// Nodes returns nodes in the join order.
func (c *Cluster) Nodes() []*Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]*Node, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, c.nodes[m.Address])
	}
	return out
}

// Coordinator returns the node running the topology coordinator.
func (c *Cluster) Coordinator() *Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.nodes[c.coordinated]
}

// WaitForStable waits until the coordinator is idle and all nodes have installed the same stable topology.
func (c *Cluster) WaitForStable() {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), stableTimeout)
	defer cancel()

	c.lock.Lock()
	coordinator := c.coordinator
	c.lock.Unlock()
	if coordinator != nil {
		require.NoError(c.t, coordinator.WaitForIdle(ctx))
	}

	assert.EventuallyWithT(c.t, func(t *assert.CollectT) {
		nodes := c.Nodes()
		coordinatorNode := c.Coordinator()
		if !assert.NotNil(t, coordinatorNode) {
			return
		}
		expected := coordinatorNode.DistributionManager().Topology()
		if !assert.NotNil(t, expected) || !assert.True(t, expected.IsStable(), "topology is not stable") {
			return
		}
		assert.ElementsMatch(t, c.memberAddresses(), expected.Members())
		for _, n := range nodes {
			assert.Equal(t, expected.ID, n.DistributionManager().TopologyID(), `node "%s"`, n.Local())
		}
	}, stableTimeout, 10*time.Millisecond)
}

func (c *Cluster) memberAddresses() model.Addresses {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make(model.Addresses, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.Address)
	}
	return out
}

// membersChanged starts a rebalance, the coordinator is moved to the oldest member if needed.
func (c *Cluster) membersChanged() {
	if len(c.members) == 0 {
		return
	}

	oldest := c.members[0].Address
	if c.coordinated != oldest {
		if c.coordinator != nil {
			c.coordinator.Stop()
		}
		coordinator, err := rehash.NewCoordinator(c.nodes[oldest].Node, c.config.Hashing, c.config.Rehash)
		require.NoError(c.t, err)
		c.coordinator = coordinator
		c.coordinated = oldest
	}

	c.coordinator.OnMembersChange(context.Background(), slices.Clone(c.members))
}
