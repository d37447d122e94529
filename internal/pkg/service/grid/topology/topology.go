// Package topology provides the immutable CacheTopology snapshot and the derived DistributionInfo.
package topology

import (
	"fmt"
	"slices"

	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const (
	PhaseStable      Phase = "stable"
	PhaseRebalancing Phase = "rebalancing"
)

type Phase string

// CacheTopology is an immutable snapshot of the key distribution.
//
// In the stable phase ReadCH == WriteCH.
// During a rebalance the WriteCH is a union of the ReadCH and the PendingCH,
// so writes reach both current and future owners, while reads use owners that already have the data.
type CacheTopology struct {
	// ID strictly increases on every install.
	ID int `json:"id"`
	// RebalanceID identifies the rebalance, it increases when a rebalance starts.
	RebalanceID int                            `json:"rebalanceId"`
	Phase       Phase                          `json:"phase"`
	ReadCH      *consistenthash.ConsistentHash `json:"readCH"`
	WriteCH     *consistenthash.ConsistentHash `json:"writeCH"`
	// StableCH is the read CH of the last stable topology.
	StableCH *consistenthash.ConsistentHash `json:"stableCH,omitempty"`
	// PendingCH is the target of the running rebalance.
	PendingCH *consistenthash.ConsistentHash `json:"pendingCH,omitempty"`
	// LostSegments are segments whose all owners left the cluster, the data may be lost.
	LostSegments []int `json:"lostSegments,omitempty"`
	// SegmentEpochs contains, per segment, the ID of the topology since which the write owners of the segment are unchanged.
	// If it is not set, the epoch of all segments is the topology ID.
	SegmentEpochs []int `json:"segmentEpochs,omitempty"`
}

// NewStable creates a stable topology, read and write CH are the same.
func NewStable(id, rebalanceID int, ch *consistenthash.ConsistentHash, lostSegments []int) *CacheTopology {
	return &CacheTopology{
		ID:           id,
		RebalanceID:  rebalanceID,
		Phase:        PhaseStable,
		ReadCH:       ch,
		WriteCH:      ch,
		StableCH:     ch,
		LostSegments: slices.Clone(lostSegments),
	}
}

// NewRebalancing creates a topology of a running rebalance, the write CH is a union of the read and the pending CH.
func NewRebalancing(id, rebalanceID int, readCH, pendingCH, stableCH *consistenthash.ConsistentHash, lostSegments []int) (*CacheTopology, error) {
	writeCH, err := consistenthash.Union(readCH, pendingCH)
	if err != nil {
		return nil, err
	}
	return &CacheTopology{
		ID:           id,
		RebalanceID:  rebalanceID,
		Phase:        PhaseRebalancing,
		ReadCH:       readCH,
		WriteCH:      writeCH,
		StableCH:     stableCH,
		PendingCH:    pendingCH,
		LostSegments: slices.Clone(lostSegments),
	}, nil
}

// WithCompletedSegments returns a new rebalancing topology where reads of the segments already use the pending owners.
func (t *CacheTopology) WithCompletedSegments(id int, segments []int) (*CacheTopology, error) {
	if t.Phase != PhaseRebalancing {
		return nil, errors.Errorf(`topology "%d" is not rebalancing`, t.ID)
	}
	readCH, err := consistenthash.ReplaceSegments(t.ReadCH, t.PendingCH, segments)
	if err != nil {
		return nil, err
	}
	return NewRebalancing(id, t.RebalanceID, readCH, t.PendingCH, t.StableCH, t.LostSegments)
}

// Succeed returns a copy of the topology, which continues the previous topology.
// A segment keeps the epoch of the previous topology if its write owners are unchanged,
// otherwise the epoch of the segment is the topology ID.
func (t *CacheTopology) Succeed(prev *CacheTopology) *CacheTopology {
	out := *t
	out.SegmentEpochs = make([]int, t.NumSegments())
	for segment := range out.SegmentEpochs {
		out.SegmentEpochs[segment] = t.ID
		if prev != nil && prev.ID < t.ID && segment < prev.NumSegments() &&
			slices.Equal(prev.WriteCH.SegmentOwners(segment), t.WriteCH.SegmentOwners(segment)) {
			out.SegmentEpochs[segment] = prev.Epoch(segment)
		}
	}
	return &out
}

// Epoch returns the ID of the topology since which the write owners of the segment are unchanged.
func (t *CacheTopology) Epoch(segment int) int {
	if segment >= 0 && segment < len(t.SegmentEpochs) {
		return t.SegmentEpochs[segment]
	}
	return t.ID
}

// Epochs returns epochs of all segments.
func (t *CacheTopology) Epochs() []int {
	out := make([]int, t.NumSegments())
	for segment := range out {
		out[segment] = t.Epoch(segment)
	}
	return out
}

func (t *CacheTopology) Validate() error {
	errs := errors.NewMultiError()
	if t.ID < 1 {
		errs.Append(errors.Errorf("topology id must be positive, found %d", t.ID))
	}
	if t.ReadCH == nil || t.WriteCH == nil {
		errs.Append(errors.New("read and write CH must be set"))
		return errs.ErrorOrNil()
	}
	if t.ReadCH.NumSegments() != t.WriteCH.NumSegments() {
		errs.Append(errors.Errorf("read CH has %d segments, write CH has %d segments", t.ReadCH.NumSegments(), t.WriteCH.NumSegments()))
	}
	if n := len(t.SegmentEpochs); n > 0 && n != t.ReadCH.NumSegments() {
		errs.Append(errors.Errorf("topology has %d segment epochs, expected %d", n, t.ReadCH.NumSegments()))
	}
	for segment, epoch := range t.SegmentEpochs {
		if epoch < 1 || epoch > t.ID {
			errs.Append(errors.Errorf(`epoch "%d" of the segment "%d" is out of range`, epoch, segment))
		}
	}
	switch t.Phase {
	case PhaseStable:
		if !t.ReadCH.Equal(t.WriteCH) {
			errs.Append(errors.New("read and write CH must be equal in the stable phase"))
		}
	case PhaseRebalancing:
		if t.PendingCH == nil {
			errs.Append(errors.New("pending CH must be set in the rebalancing phase"))
		}
	default:
		errs.Append(errors.Errorf(`unexpected phase "%s"`, t.Phase))
	}
	return errs.ErrorOrNil()
}

func (t *CacheTopology) IsStable() bool {
	return t.Phase == PhaseStable
}

func (t *CacheTopology) NumSegments() int {
	return t.ReadCH.NumSegments()
}

// Members returns all members of the write CH.
func (t *CacheTopology) Members() model.Addresses {
	return t.WriteCH.Members()
}

func (t *CacheTopology) Segment(key string) int {
	return t.ReadCH.Segment(key)
}

func (t *CacheTopology) IsLost(segment int) bool {
	return slices.Contains(t.LostSegments, segment)
}

// SegmentDistribution returns the distribution of the segment from the point of view of the local address.
func (t *CacheTopology) SegmentDistribution(segment int, local model.Address) DistributionInfo {
	writeOwners := t.WriteCH.SegmentOwners(segment)
	info := DistributionInfo{
		TopologyID:  t.ID,
		Epoch:       t.Epoch(segment),
		Segment:     segment,
		Local:       local,
		ReadOwners:  t.ReadCH.SegmentOwners(segment),
		WriteOwners: writeOwners,
		Lost:        t.IsLost(segment),
	}
	if len(writeOwners) > 0 {
		info.Primary = writeOwners[0]
		info.Backups = slices.Clone(writeOwners[1:])
	}
	return info
}

func (t *CacheTopology) KeyDistribution(key string, local model.Address) DistributionInfo {
	return t.SegmentDistribution(t.Segment(key), local)
}

func (t *CacheTopology) String() string {
	return fmt.Sprintf("CacheTopology{id=%d, rebalanceId=%d, phase=%s, members=%s}", t.ID, t.RebalanceID, t.Phase, t.Members())
}

// DistributionInfo describes owners of a segment.
type DistributionInfo struct {
	TopologyID int
	// Epoch of the segment, see CacheTopology.Epoch.
	Epoch       int
	Segment     int
	Local       model.Address
	Primary     model.Address
	Backups     model.Addresses
	ReadOwners  model.Addresses
	WriteOwners model.Addresses
	Lost        bool
}

func (d DistributionInfo) IsPrimary() bool {
	return d.Primary != "" && d.Primary == d.Local
}

func (d DistributionInfo) IsWriteOwner() bool {
	return d.WriteOwners.Contains(d.Local)
}

func (d DistributionInfo) IsWriteBackup() bool {
	return d.Backups.Contains(d.Local)
}

func (d DistributionInfo) IsReadOwner() bool {
	return d.ReadOwners.Contains(d.Local)
}

// HasOwners returns false if no member owns the segment.
func (d DistributionInfo) HasOwners() bool {
	return len(d.ReadOwners) > 0
}
