// Package triangle orders writes forwarded by a primary owner directly to each backup.
//
// The primary assigns a sequence number per segment, see Manager.Next.
// A backup applies the write only when the sequence is the next expected one, see Manager.Deliver.
// Sequences start at 1 and are never reused within the same segment and epoch.
//
// The epoch of a segment is the ID of the topology since which the write owners of the segment are unchanged.
// Counters of a segment are reset only when its epoch advances, see Manager.Reset,
// so writes of segments not affected by a rebalance keep flowing.
// Waiters of a reset segment are released with a StaleTopologyError.
package triangle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

type Manager struct {
	clock clockwork.Clock
	// resetLock serializes resets, reads of segments are lock-free.
	resetLock sync.Mutex
	segments  []atomic.Pointer[segment]
	metrics   metrics
}

type metrics struct {
	wait metric.Float64Histogram
}

type segment struct {
	epoch int
	// last sequence number issued by the primary.
	last atomic.Uint64
	lock sync.Mutex
	// delivered is the last sequence number delivered on the backup.
	delivered uint64
	// advanced is closed and replaced each time the delivered cursor moves.
	advanced chan struct{}
	// reset is closed when the segment is replaced by a newer epoch.
	reset chan struct{}
}

func New(numSegments int, clk clockwork.Clock, tel telemetry.Telemetry) *Manager {
	m := &Manager{
		clock:    clk,
		segments: make([]atomic.Pointer[segment], numSegments),
		metrics: metrics{
			wait: tel.Meter().Histogram("grid.triangle.wait", "Time a backup write waited for its turn.", "ms"),
		},
	}
	for i := range m.segments {
		m.segments[i].Store(newSegment(0))
	}
	return m
}

// Reset starts new epochs, one per segment.
// A segment is reset only if the new epoch is newer than the current one, older epochs are ignored.
// When Reset returns, no write of a replaced epoch is being applied.
func (m *Manager) Reset(epochs []int) (reset []int) {
	m.resetLock.Lock()
	defer m.resetLock.Unlock()

	for i, epoch := range epochs {
		if i >= len(m.segments) {
			break
		}
		old := m.segments[i].Load()
		if old.epoch >= epoch {
			continue
		}
		m.segments[i].Store(newSegment(epoch))

		// Wait for a running apply, then release waiters
		old.lock.Lock()
		close(old.reset)
		old.lock.Unlock()
		reset = append(reset, i)
	}
	return reset
}

// Epoch returns the current epoch of the segment, 0 if no topology has been installed.
func (m *Manager) Epoch(segmentIdx int) int {
	if segmentIdx < 0 || segmentIdx >= len(m.segments) {
		return 0
	}
	return m.segments[segmentIdx].Load().epoch
}

// Next returns the next sequence number of the segment, it is called by the primary owner.
func (m *Manager) Next(segmentIdx, epoch int) (uint64, error) {
	seg, err := m.segment(segmentIdx, epoch)
	if err != nil {
		return 0, err
	}
	return seg.last.Add(1), nil
}

// IsNext returns true if the sequence is the next expected one on the backup.
func (m *Manager) IsNext(segmentIdx int, seq uint64, epoch int) bool {
	seg, err := m.segment(segmentIdx, epoch)
	if err != nil {
		return false
	}
	seg.lock.Lock()
	defer seg.lock.Unlock()
	return seg.delivered+1 == seq
}

// MarkDelivered advances the expected cursor, if the sequence is the next expected one.
// Already delivered sequences are ignored.
func (m *Manager) MarkDelivered(segmentIdx int, seq uint64, epoch int) error {
	seg, err := m.segment(segmentIdx, epoch)
	if err != nil {
		return err
	}
	seg.lock.Lock()
	defer seg.lock.Unlock()
	switch {
	case seq <= seg.delivered:
		return nil
	case seq == seg.delivered+1:
		seg.advance(seq)
		return nil
	default:
		return errors.Errorf(`sequence "%d" of the segment "%d" is not the next one, expected "%d"`, seq, segmentIdx, seg.delivered+1)
	}
}

// WaitTurn blocks until the sequence is the next expected one.
// It returns StaleTopologyError if the epoch of the segment advances meanwhile
// and TimeoutError if the context deadline is exceeded.
func (m *Manager) WaitTurn(ctx context.Context, segmentIdx int, seq uint64, epoch int) error {
	startTime := m.clock.Now()
	defer func() {
		m.metrics.wait.Record(ctx, float64(m.clock.Since(startTime))/float64(time.Millisecond))
	}()

	seg, err := m.segment(segmentIdx, epoch)
	if err != nil {
		return err
	}

	for {
		seg.lock.Lock()
		delivered := seg.delivered
		advanced := seg.advanced
		seg.lock.Unlock()

		if delivered+1 >= seq {
			return nil
		}

		select {
		case <-ctx.Done():
			err := errors.PrefixErrorf(ctx.Err(), `sequence "%d" of the segment "%d" is not delivered, the predecessor is missing`, seq, segmentIdx)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return gridErrors.NewTimeoutError("wait for the sequence turn", m.clock.Since(startTime), err)
			}
			return err
		case <-seg.reset:
			return gridErrors.NewStaleTopologyError(epoch, m.Epoch(segmentIdx))
		case <-advanced:
		}
	}
}

// Deliver waits for the turn of the sequence, then calls the apply function and advances the cursor.
// The apply function is not called for an already delivered sequence.
func (m *Manager) Deliver(ctx context.Context, segmentIdx int, seq uint64, epoch int, apply func()) error {
	if err := m.WaitTurn(ctx, segmentIdx, seq, epoch); err != nil {
		return err
	}

	seg, err := m.segment(segmentIdx, epoch)
	if err != nil {
		return err
	}

	seg.lock.Lock()
	defer seg.lock.Unlock()

	// The epoch may have been replaced before the lock was acquired
	select {
	case <-seg.reset:
		return gridErrors.NewStaleTopologyError(epoch, m.Epoch(segmentIdx))
	default:
	}

	if seq <= seg.delivered {
		return nil
	}
	apply()
	seg.advance(seq)
	return nil
}

func (m *Manager) segment(segmentIdx, epoch int) (*segment, error) {
	if segmentIdx < 0 || segmentIdx >= len(m.segments) {
		return nil, errors.Errorf(`segment "%d" is out of range`, segmentIdx)
	}
	seg := m.segments[segmentIdx].Load()
	if seg.epoch == 0 || seg.epoch != epoch {
		return nil, gridErrors.NewStaleTopologyError(epoch, seg.epoch)
	}
	return seg, nil
}

func newSegment(epoch int) *segment {
	return &segment{epoch: epoch, advanced: make(chan struct{}), reset: make(chan struct{})}
}

func (s *segment) advance(seq uint64) {
	s.delivered = seq
	close(s.advanced)
	s.advanced = make(chan struct{})
}
