// Package gridnode connects all grid components into one cluster node.
//
// The Node serves local operations (Get, Put, Remove) and implements the transport.Handler for commands of other nodes.
//
// Reads are served by a read owner of the key, non-owners cache remote values in the L1 near-cache.
// Writes are applied by the primary owner, which forwards them directly to each backup with a sequence number.
// The owner invalidates the L1 of all registered requestors before the write completes.
package gridnode

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/container"
	"github.com/keboola/data-grid/internal/pkg/service/grid/distmanager"
	"github.com/keboola/data-grid/internal/pkg/service/grid/l1"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/service/grid/triangle"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
)

type Node struct {
	config    Config
	local     model.Address
	clock     clockwork.Clock
	logger    log.Logger
	telemetry telemetry.Telemetry
	transport transport.Transport

	dm        *distmanager.Manager
	container *container.Container
	triangle  *triangle.Manager
	l1        *l1.Manager

	// writeLocks serialize writes of the primary owner per segment,
	// so the sequence order matches the order of local modifications.
	writeLocks []sync.Mutex
	pending    *pendingWrites

	// transfer state of the current rebalance, see onPrepare
	transferLock sync.Mutex
	transfer     transferState

	metrics nodeMetrics
}

type transferState struct {
	active      bool
	rebalanceID int
	// since is the container revision at the start of the rebalance,
	// transferred entries do not overwrite keys modified later.
	since uint64
}

type nodeMetrics struct {
	retry    metric.Int64Counter
	restored metric.Int64Counter
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	Transport() transport.Transport
}

func New(d dependencies, local model.Address, cfg Config) (*Node, error) {
	partitioner, err := consistenthash.NewKeyPartitioner(cfg.Hashing.NumSegments)
	if err != nil {
		return nil, err
	}

	logger := d.Logger().WithComponent("grid.node")
	n := &Node{
		config:     cfg,
		local:      local,
		clock:      d.Clock(),
		logger:     logger,
		telemetry:  d.Telemetry(),
		transport:  d.Transport(),
		dm:         distmanager.New(local, d.Logger()),
		container:  container.New(partitioner),
		triangle:   triangle.New(partitioner.NumSegments(), d.Clock(), d.Telemetry()),
		writeLocks: make([]sync.Mutex, partitioner.NumSegments()),
		pending:    newPendingWrites(),
		metrics: nodeMetrics{
			retry:    d.Telemetry().Meter().Counter("grid.operation.retry", "Count of operation retries.", ""),
			restored: d.Telemetry().Meter().Counter("grid.write.restored", "Count of writes reverted after a backup failure.", ""),
		},
	}

	n.l1, err = l1.New(cfg.L1, local, partitioner, n.transport, n.clock, d.Logger(), n.telemetry)
	if err != nil {
		return nil, err
	}

	n.dm.OnPrepare(n.onPrepare)
	n.dm.OnInstall(n.onInstall)
	return n, nil
}

// Close waits for background L1 invalidations.
func (n *Node) Close() {
	n.l1.Close()
}

func (n *Node) Local() model.Address {
	return n.local
}

func (n *Node) Clock() clockwork.Clock {
	return n.clock
}

func (n *Node) Logger() log.Logger {
	return n.logger
}

func (n *Node) Telemetry() telemetry.Telemetry {
	return n.telemetry
}

func (n *Node) Transport() transport.Transport {
	return n.transport
}

func (n *Node) DistributionManager() *distmanager.Manager {
	return n.dm
}

func (n *Node) Container() *container.Container {
	return n.container
}

func (n *Node) L1() *l1.Manager {
	return n.l1
}

func (n *Node) Triangle() *triangle.Manager {
	return n.triangle
}

// WaitForTopology blocks until the node has installed a topology with the ID or newer.
func (n *Node) WaitForTopology(ctx context.Context, id int) error {
	_, err := n.dm.WaitForTopology(ctx, id)
	return err
}
