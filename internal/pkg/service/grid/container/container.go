// Package container provides the node-local segmented key-value store.
//
// Each write is assigned a revision from a node-wide counter.
// Removed keys are kept as tombstones until PruneTombstones is called,
// so a state transfer cannot resurrect a key removed during the transfer.
package container

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

type Container struct {
	partitioner consistenthash.KeyPartitioner
	revision    *atomic.Uint64
	segments    []*segment
}

type segment struct {
	lock    *sync.RWMutex
	records map[string]record
}

type record struct {
	value    []byte
	revision uint64
	removed  bool
}

func New(partitioner consistenthash.KeyPartitioner) *Container {
	c := &Container{
		partitioner: partitioner,
		revision:    atomic.NewUint64(0),
		segments:    make([]*segment, partitioner.NumSegments()),
	}
	for i := range c.segments {
		c.segments[i] = &segment{lock: &sync.RWMutex{}, records: make(map[string]record)}
	}
	return c
}

// Revision returns revision of the last local modification.
func (c *Container) Revision() uint64 {
	return c.revision.Load()
}

func (c *Container) Segment(key string) int {
	return c.partitioner.Segment(key)
}

func (c *Container) Get(key string) ([]byte, bool) {
	s := c.segments[c.Segment(key)]
	s.lock.RLock()
	defer s.lock.RUnlock()
	r, ok := s.records[key]
	if !ok || r.removed {
		return nil, false
	}
	return slices.Clone(r.value), true
}

// Put stores the value and returns revision of the modification.
func (c *Container) Put(key string, value []byte) uint64 {
	s := c.segments[c.Segment(key)]
	s.lock.Lock()
	defer s.lock.Unlock()
	rev := c.revision.Inc()
	s.records[key] = record{value: slices.Clone(value), revision: rev}
	return rev
}

// Remove replaces the value by a tombstone, it returns true if the key existed.
func (c *Container) Remove(key string) bool {
	s := c.segments[c.Segment(key)]
	s.lock.Lock()
	defer s.lock.Unlock()
	prev, found := s.records[key]
	s.records[key] = record{removed: true, revision: c.revision.Inc()}
	return found && !prev.removed
}

// KeyRevision returns revision of the last modification of the key, 0 if the key has no record.
func (c *Container) KeyRevision(key string) uint64 {
	s := c.segments[c.Segment(key)]
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.records[key].revision
}

// CompareAndRestore sets the previous state of the key, the value or a tombstone if found is false.
// The key is modified only if the revision of its last modification matches.
func (c *Container) CompareAndRestore(key string, revision uint64, value []byte, found bool) bool {
	s := c.segments[c.Segment(key)]
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.records[key].revision != revision {
		return false
	}
	if found {
		s.records[key] = record{value: slices.Clone(value), revision: c.revision.Inc()}
	} else {
		s.records[key] = record{removed: true, revision: c.revision.Inc()}
	}
	return true
}

// ApplyTransfer stores entries received by a state transfer.
// An entry is skipped if the key was modified locally after the "since" revision,
// the local value is newer than the transferred one.
func (c *Container) ApplyTransfer(segmentIdx int, entries []model.Entry, since uint64) (applied int) {
	s := c.segments[segmentIdx]
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, entry := range entries {
		if r, ok := s.records[entry.Key]; ok && r.revision > since {
			continue
		}
		s.records[entry.Key] = record{value: slices.Clone(entry.Value), revision: c.revision.Inc()}
		applied++
	}
	return applied
}

// SegmentEntries returns all live entries of the segment sorted by key.
func (c *Container) SegmentEntries(segmentIdx int) []model.Entry {
	s := c.segments[segmentIdx]
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]model.Entry, 0, len(s.records))
	for key, r := range s.records {
		if !r.removed {
			out = append(out, model.Entry{Key: key, Value: slices.Clone(r.value)})
		}
	}
	slices.SortFunc(out, func(a, b model.Entry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// RemoveSegments drops all records of the segments, including tombstones.
func (c *Container) RemoveSegments(segments []int) (removed int) {
	for _, segmentIdx := range segments {
		s := c.segments[segmentIdx]
		s.lock.Lock()
		for _, r := range s.records {
			if !r.removed {
				removed++
			}
		}
		s.records = make(map[string]record)
		s.lock.Unlock()
	}
	return removed
}

func (c *Container) PruneTombstones() (pruned int) {
	for _, s := range c.segments {
		s.lock.Lock()
		for key, r := range s.records {
			if r.removed {
				delete(s.records, key)
				pruned++
			}
		}
		s.lock.Unlock()
	}
	return pruned
}

// Len returns count of live entries in the segment.
func (c *Container) Len(segmentIdx int) int {
	s := c.segments[segmentIdx]
	s.lock.RLock()
	defer s.lock.RUnlock()
	n := 0
	for _, r := range s.records {
		if !r.removed {
			n++
		}
	}
	return n
}

// TotalLen returns count of live entries in all segments.
func (c *Container) TotalLen() int {
	n := 0
	for i := range c.segments {
		n += c.Len(i)
	}
	return n
}

// Keys returns all live keys sorted.
func (c *Container) Keys() []string {
	var out []string
	for i := range c.segments {
		for _, entry := range c.SegmentEntries(i) {
			out = append(out, entry.Key)
		}
	}
	slices.Sort(out)
	return out
}
