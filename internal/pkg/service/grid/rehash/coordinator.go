// Package rehash computes and drives the segment movement when the cluster membership changes.
//
// The Coordinator runs on a single node, see the grid-node binary.
// On each membership change it:
//  1. Removes leavers from the read CH and computes the balanced target CH.
//  2. Installs a rebalancing topology on all members, writes go to the union of the read and the target owners.
//  3. Instructs the current primary owner of each changed segment to push the segment to the new owners.
//  4. Switches reads of each transferred segment to the new owners.
//  5. Installs the stable target topology.
//
// A membership change during a rebalance cancels it, the new rebalance starts from the last installed topology.
package rehash

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/keboola/data-grid/internal/pkg/log"
	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/distmanager"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const maxInstallConflicts = 5

type Coordinator struct {
	config    Config
	hashing   consistenthash.Config
	factory   consistenthash.Factory
	clock     clockwork.Clock
	logger    log.Logger
	dm        *distmanager.Manager
	transport transport.Transport
	metrics   coordinatorMetrics

	// minID is the minimal ID of the next topology, it is raised when a member has a newer topology.
	minID *atomic.Int64

	lock   *sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type coordinatorMetrics struct {
	segmentsMoved metric.Int64Counter
	duration      metric.Float64Histogram
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	DistributionManager() *distmanager.Manager
	Transport() transport.Transport
}

func NewCoordinator(d dependencies, hashing consistenthash.Config, cfg Config) (*Coordinator, error) {
	factory, err := consistenthash.NewFactory(hashing.Factory)
	if err != nil {
		return nil, err
	}

	meter := d.Telemetry().Meter()
	return &Coordinator{
		config:    cfg,
		hashing:   hashing,
		factory:   factory,
		clock:     d.Clock(),
		logger:    d.Logger().WithComponent("grid.rehash"),
		dm:        d.DistributionManager(),
		transport: d.Transport(),
		minID:     atomic.NewInt64(0),
		lock:      &sync.Mutex{},
		metrics: coordinatorMetrics{
			segmentsMoved: meter.Counter("grid.rehash.segments_moved", "Count of segments transferred to new owners.", ""),
			duration:      meter.Histogram("grid.rehash.duration", "Duration of a rebalance.", "ms"),
		},
	}, nil
}

// OnMembersChange starts a rebalance for the members, a running rebalance is cancelled first.
func (c *Coordinator) OnMembersChange(ctx context.Context, members []model.Member) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.stopRunning(errors.New("superseded by a membership change"))

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel, c.done = cancel, done

	members = slices.Clone(members)
	go func() {
		defer close(done)
		defer cancel(nil)
		c.run(runCtx, members)
	}()
}

// Stop cancels the running rebalance and waits for it.
func (c *Coordinator) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stopRunning(errors.New("coordinator stopped"))
}

// WaitForIdle blocks until the running rebalance, if any, finishes.
func (c *Coordinator) WaitForIdle(ctx context.Context) error {
	c.lock.Lock()
	done := c.done
	c.lock.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Coordinator) stopRunning(cause error) {
	if c.cancel != nil {
		c.cancel(cause)
		<-c.done
		c.cancel = nil
	}
}

func (c *Coordinator) run(ctx context.Context, members []model.Member) {
	for conflicts := 0; ; conflicts++ {
		err := c.rebalance(ctx, members)

		var staleErr gridErrors.StaleTopologyError
		switch {
		case err == nil:
			return
		case ctx.Err() != nil:
			c.logger.Infof(ctx, "rebalance cancelled: %s", context.Cause(ctx))
			return
		case errors.As(err, &staleErr) && conflicts < maxInstallConflicts:
			c.minID.Store(int64(max(staleErr.Actual, staleErr.Expected) + 1))
			c.logger.Warnf(ctx, "topology conflict, a member has a newer topology, retrying: %s", err)
		default:
			c.logger.Errorf(ctx, "rebalance failed: %s", err)
			return
		}
	}
}

func (c *Coordinator) rebalance(ctx context.Context, members []model.Member) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	startTime := c.clock.Now()
	addrs, capacity := membersMap(members)

	// Initial topology
	current := c.dm.Topology()
	if current == nil {
		ch, err := c.factory.Create(c.hashing.NumOwners, c.hashing.NumSegments, addrs, capacity)
		if err != nil {
			return err
		}
		_, err = c.install(ctx, addrs, topology.NewStable(c.nextID(), 0, ch, nil))
		return err
	}

	// Remove leavers, segments without owner are assigned to an active member
	readCH, err := c.factory.UpdateMembers(current.ReadCH, addrs, capacity)
	if err != nil {
		return err
	}
	lost := LostSegments(current.ReadCH, addrs)
	if len(lost) > 0 {
		c.logger.Warnf(ctx, "all owners of %d segments left, data may be lost: %v", len(lost), lost)
	}

	target := readCH
	if c.config.Enabled {
		if target, err = c.factory.Rebalance(readCH); err != nil {
			return err
		}
	}

	// Nothing to transfer
	if target.Equal(readCH) {
		if current.IsStable() && current.ReadCH.Equal(readCH) {
			c.logger.Debugf(ctx, "topology is up to date, members %s", addrs)
			return nil
		}
		_, err = c.install(ctx, addrs, topology.NewStable(c.nextID(), current.RebalanceID, readCH, lost))
		return err
	}

	rebalanceID := current.RebalanceID + 1
	logger := c.logger.With(attribute.Int("rebalance.id", rebalanceID))
	plan := NewPlan(readCH, target)
	logger.Infof(ctx, `rebalance "<rebalance.id>" started, %d segments to transfer, members %s`, len(plan.Transfers), addrs)

	topo, err := topology.NewRebalancing(c.nextID(), rebalanceID, readCH, target, current.StableCH, lost)
	if err != nil {
		return err
	}
	if topo, err = c.install(ctx, addrs, topo); err != nil {
		return err
	}

	// Start transfers, all transfers are instructed by the first topology of the rebalance
	started := topo
	completed := make(chan int, len(plan.Transfers))
	transfersDone := make(chan error, 1)
	go func() {
		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(c.config.MaxConcurrentTransfers)
		for _, t := range plan.Transfers {
			grp.Go(func() error {
				if err := c.transfer(grpCtx, started, t); err != nil {
					return err
				}
				completed <- t.Segment
				return nil
			})
		}
		transfersDone <- grp.Wait()
	}()

	// Switch reads of completed segments to the new owners
	pending := slices.Clone(plan.Completed)
	for remaining := len(plan.Transfers); remaining > 0 || len(pending) > 0; {
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case err := <-transfersDone:
				if err != nil {
					return err
				}
				transfersDone = nil
			case segment := <-completed:
				pending = append(pending, segment)
				remaining--
			}
		}

		for collecting := true; collecting; {
			select {
			case segment := <-completed:
				pending = append(pending, segment)
				remaining--
			default:
				collecting = false
			}
		}

		if len(pending) > 0 {
			slices.Sort(pending)
			next, err := topo.WithCompletedSegments(c.nextID(), pending)
			if err != nil {
				return err
			}
			if next, err = c.install(ctx, addrs, next); err != nil {
				return err
			}
			logger.Debugf(ctx, "transferred segments %v", pending)
			topo = next
			pending = nil
		}
	}
	if transfersDone != nil {
		if err := <-transfersDone; err != nil {
			return err
		}
	}

	// Finalize
	if _, err := c.install(ctx, addrs, topology.NewStable(c.nextID(), rebalanceID, target, lost)); err != nil {
		return err
	}

	duration := c.clock.Since(startTime)
	c.metrics.segmentsMoved.Add(ctx, int64(len(plan.Transfers)))
	c.metrics.duration.Record(ctx, float64(duration)/float64(time.Millisecond))
	logger.WithDuration(duration).Infof(ctx, `rebalance "<rebalance.id>" finished, transferred %d segments`, len(plan.Transfers))
	return nil
}

// transfer instructs the sender to push the segment, transient failures are retried.
func (c *Coordinator) transfer(ctx context.Context, topo *topology.CacheTopology, t Transfer) error {
	req := transport.StatePushRequest{
		Origin:      c.dm.Local(),
		RebalanceID: topo.RebalanceID,
		TopologyID:  topo.ID,
		Segment:     t.Segment,
		Receivers:   t.Receivers,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Clock = c.clock

	return backoff.Retry(func() error {
		err := c.transport.StartStatePush(ctx, t.Sender, req)
		if err != nil && !gridErrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Warnf(ctx, `transfer of segment "%d" from "%s" failed, retrying: %s`, t.Segment, t.Sender, err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// install publishes the topology locally and on all members, it returns the installed topology.
// Segment epochs are continued from the previous local topology.
// Unreachable members are skipped, they will receive a next topology or leave the cluster.
func (c *Coordinator) install(ctx context.Context, members model.Addresses, topo *topology.CacheTopology) (*topology.CacheTopology, error) {
	topo = topo.Succeed(c.dm.Topology())
	if _, err := c.dm.Install(ctx, topo); err != nil {
		return nil, err
	}

	local := c.dm.Local()
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, addr := range members {
		if addr == local {
			continue
		}
		grp.Go(func() error {
			err := c.transport.TopologyUpdate(grpCtx, addr, transport.TopologyUpdateRequest{Origin: local, Topology: topo})
			var unreachable gridErrors.NodeUnreachableError
			if errors.As(err, &unreachable) {
				c.logger.Warnf(grpCtx, `cannot install topology "%d" on "%s": %s`, topo.ID, addr, err)
				return nil
			}
			if err != nil {
				return errors.PrefixErrorf(err, `cannot install topology "%d" on "%s"`, topo.ID, addr)
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return topo, nil
}

func (c *Coordinator) nextID() int {
	return max(c.dm.TopologyID(), int(c.minID.Load())-1) + 1
}

func membersMap(members []model.Member) (model.Addresses, map[model.Address]float64) {
	addrs := make(model.Addresses, 0, len(members))
	capacity := make(map[model.Address]float64, len(members))
	for _, m := range members {
		addrs = append(addrs, m.Address)
		capacity[m.Address] = m.CapacityFactor
	}
	slices.Sort(addrs)
	return addrs, capacity
}
