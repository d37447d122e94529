package gridnode

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/rehash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// HandleClusteredGet serves a read of a non-owner.
// The requestor is registered before the read, so a concurrent write always invalidates the fetched value.
func (n *Node) HandleClusteredGet(ctx context.Context, req transport.ClusteredGetRequest) (transport.ClusteredGetResponse, error) {
	t, err := n.awaitTopology(ctx, req.TopologyID)
	if err != nil {
		return transport.ClusteredGetResponse{}, err
	}

	if !t.ReadCH.IsKeyOwner(n.local, req.Key) {
		return transport.ClusteredGetResponse{}, gridErrors.NewStaleTopologyError(req.TopologyID, t.ID)
	}

	if req.RegisterRequestor {
		n.l1.AddRequestor(req.Key, req.Origin)
	}

	value, found := n.container.Get(req.Key)
	return transport.ClusteredGetResponse{Found: found, Value: value}, nil
}

func (n *Node) HandleInvalidateL1(_ context.Context, req transport.InvalidateL1Request) error {
	n.l1.InvalidateLocal(req.Keys...)
	return nil
}

func (n *Node) HandlePrimaryWrite(ctx context.Context, req transport.WriteRequest) error {
	if _, err := n.awaitTopology(ctx, req.TopologyID); err != nil {
		return err
	}
	return n.primaryWrite(ctx, req.TopologyID, req.Operation)
}

// HandleBackupWrite applies the write of the primary in the sequence order of the segment epoch.
// Requestors registered on the backup are returned to the primary, it invalidates them.
func (n *Node) HandleBackupWrite(ctx context.Context, req transport.BackupWriteRequest) (transport.BackupWriteResponse, error) {
	if _, err := n.awaitTopology(ctx, req.TopologyID); err != nil {
		return transport.BackupWriteResponse{}, err
	}

	if epoch := n.triangle.Epoch(req.Segment); epoch != req.Epoch {
		return transport.BackupWriteResponse{}, gridErrors.NewStaleTopologyError(req.Epoch, epoch)
	}

	// A missing predecessor is reported as TimeoutError, the primary repeats the request
	ctx, cancel := context.WithTimeout(ctx, n.config.Retry.MaxElapsedTime)
	defer cancel()

	var requestors model.Addresses
	err := n.triangle.Deliver(ctx, req.Segment, req.Sequence, req.Epoch, func() {
		if !req.Skip {
			n.apply(req.Operation)
			requestors = n.l1.TakeRequestors(req.Operation.Key)
		}
	})
	if err != nil {
		return transport.BackupWriteResponse{}, err
	}
	return transport.BackupWriteResponse{Requestors: requestors}, nil
}

// HandleStateTransferChunk stores entries of a segment pushed by the old owner.
// Chunks of a finished or superseded rebalance are rejected.
func (n *Node) HandleStateTransferChunk(ctx context.Context, req transport.StateTransferChunk) error {
	t, err := n.awaitTopology(ctx, req.TopologyID)
	if err != nil {
		return err
	}

	// The lock blocks the next topology prepare until the chunk is applied
	n.transferLock.Lock()
	defer n.transferLock.Unlock()

	if !n.transfer.active || n.transfer.rebalanceID != req.RebalanceID || !t.WriteCH.IsSegmentOwner(n.local, req.Segment) {
		return gridErrors.NewStaleTopologyError(req.TopologyID, n.dm.TopologyID())
	}

	applied := n.container.ApplyTransfer(req.Segment, req.Entries, n.transfer.since)
	n.logger.With(
		attribute.Int("rebalance.id", req.RebalanceID),
		attribute.Int("segment", req.Segment),
	).Debugf(ctx, `applied %d of %d transferred entries of the segment "<segment>" from "%s"`, applied, len(req.Entries), req.Origin)
	return nil
}

// HandleStartStatePush sends the local content of the segment to the new owners.
func (n *Node) HandleStartStatePush(ctx context.Context, req transport.StatePushRequest) error {
	t, err := n.awaitTopology(ctx, req.TopologyID)
	if err != nil {
		return err
	}

	if t.IsStable() || t.RebalanceID != req.RebalanceID {
		return gridErrors.NewStaleTopologyError(req.TopologyID, t.ID)
	}

	entries := n.container.SegmentEntries(req.Segment)
	return rehash.PushSegment(ctx, n.transport, n.local, req, entries, n.config.Rehash.ChunkSize)
}

// HandleTopologyUpdate installs the topology sent by the coordinator.
// Repeated delivery of the installed topology is a no-op, an older or conflicting topology is rejected.
func (n *Node) HandleTopologyUpdate(ctx context.Context, req transport.TopologyUpdateRequest) error {
	next := req.Topology
	if next == nil {
		return errors.Errorf(`topology update from "%s" has no topology`, req.Origin)
	}

	if current := n.dm.Topology(); current != nil {
		switch {
		case next.ID < current.ID:
			return gridErrors.NewStaleTopologyError(next.ID, current.ID)
		case next.ID == current.ID && sameTopology(current, next):
			return nil
		case next.ID == current.ID:
			return gridErrors.NewStaleTopologyError(next.ID, current.ID)
		}
	}

	_, err := n.dm.Install(ctx, next)
	return err
}

// awaitTopology waits until the request topology is installed.
// The request may outrun the topology update from the coordinator.
func (n *Node) awaitTopology(ctx context.Context, id int) (*topology.CacheTopology, error) {
	if t := n.dm.Topology(); t != nil && t.ID >= id {
		return t, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.Retry.MaxElapsedTime)
	defer cancel()
	t, err := n.dm.WaitForTopology(ctx, id)
	if err != nil {
		return nil, gridErrors.NewTimeoutError("wait for topology", n.config.Retry.MaxElapsedTime, err)
	}
	return t, nil
}

func sameTopology(a, b *topology.CacheTopology) bool {
	return a.ID == b.ID &&
		a.RebalanceID == b.RebalanceID &&
		a.Phase == b.Phase &&
		a.ReadCH.Equal(b.ReadCH) &&
		a.WriteCH.Equal(b.WriteCH)
}
