package gridnode

import (
	"context"

	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
)

// onPrepare is called before the topology is published.
// Sequences of segments with new write owners are invalidated, a new rebalance remembers the container revision.
func (n *Node) onPrepare(_ context.Context, _, next *topology.CacheTopology) {
	// Running primary writes of the reset segments are finished before the publication,
	// so a state transfer started by the new topology contains them.
	for _, segment := range n.triangle.Reset(next.Epochs()) {
		n.writeLocks[segment].Lock()
		n.writeLocks[segment].Unlock() //nolint:staticcheck // empty critical section
	}

	n.transferLock.Lock()
	defer n.transferLock.Unlock()
	switch {
	case next.IsStable():
		n.transfer = transferState{}
	case !n.transfer.active || n.transfer.rebalanceID != next.RebalanceID:
		n.transfer = transferState{active: true, rebalanceID: next.RebalanceID, since: n.container.Revision()}
	}
}

// onInstall is called after the topology is published, it drops data of segments the node no longer owns.
// The L1 of a segment is cleared when the node becomes or stops being its owner,
// the owner copy supersedes the L1 and the L1 of a former owner was never registered for invalidation.
func (n *Node) onInstall(ctx context.Context, prev, next *topology.CacheTopology) {
	var gained, dropped []int
	for segment := range next.NumSegments() {
		owner := next.WriteCH.IsSegmentOwner(n.local, segment)
		wasOwner := prev != nil && prev.WriteCH.IsSegmentOwner(n.local, segment)
		switch {
		case owner && !wasOwner:
			gained = append(gained, segment)
		case !owner && wasOwner:
			dropped = append(dropped, segment)
		}
	}

	if len(gained) > 0 {
		n.l1.ClearSegments(gained)
	}

	if len(dropped) > 0 {
		removed := n.container.RemoveSegments(dropped)
		n.l1.ForgetSegments(ctx, dropped)
		n.l1.ClearSegments(dropped)
		n.logger.Infof(ctx, `dropped %d segments no longer owned, removed %d entries`, len(dropped), removed)
	}

	if next.IsStable() {
		n.container.PruneTombstones()
	}
}
