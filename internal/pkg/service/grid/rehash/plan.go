package rehash

import (
	"slices"

	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

// Plan of a rebalance from the read CH to the target CH.
type Plan struct {
	// Transfers of segments to new owners.
	Transfers []Transfer
	// Completed segments changed owners, but no data must be moved.
	Completed []int
}

// Transfer of a segment from the sender to the receivers, the receivers are new owners without data.
type Transfer struct {
	Segment   int
	Sender    model.Address
	Receivers model.Addresses
}

// NewPlan computes the minimal set of transfers.
// A member receives a segment only if it newly appears in the owner list, the sender is the current primary owner.
func NewPlan(readCH, target *consistenthash.ConsistentHash) Plan {
	var plan Plan
	for segment := range readCH.NumSegments() {
		current := readCH.SegmentOwners(segment)
		next := target.SegmentOwners(segment)
		if slices.Equal(current, next) {
			continue
		}

		var receivers model.Addresses
		for _, addr := range next {
			if !current.Contains(addr) {
				receivers = append(receivers, addr)
			}
		}

		if len(receivers) == 0 || len(current) == 0 {
			plan.Completed = append(plan.Completed, segment)
			continue
		}

		plan.Transfers = append(plan.Transfers, Transfer{Segment: segment, Sender: current[0], Receivers: receivers})
	}
	return plan
}

// Segments returns all segments with changed owners.
func (p Plan) Segments() []int {
	out := slices.Clone(p.Completed)
	for _, t := range p.Transfers {
		out = append(out, t.Segment)
	}
	slices.Sort(out)
	return out
}

// LostSegments returns segments whose all owners left.
func LostSegments(base *consistenthash.ConsistentHash, members model.Addresses) []int {
	var out []int
	for segment := range base.NumSegments() {
		owners := base.SegmentOwners(segment)
		if len(owners) == 0 {
			continue
		}
		if !slices.ContainsFunc(owners, members.Contains) {
			out = append(out, segment)
		}
	}
	return out
}
