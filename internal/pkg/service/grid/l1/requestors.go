package l1

import (
	"context"
	"slices"
	"sync"

	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
)

// requestorSet is closed when taken by a write, a closed set is replaced by a new one.
type requestorSet struct {
	lock   sync.Mutex
	closed bool
	addrs  map[model.Address]struct{}
}

// AddRequestor registers the address to be invalidated on the next write to the key.
// It must be called before the value is read, so a concurrent write sees the requestor.
func (m *Manager) AddRequestor(key string, addr model.Address) {
	if addr == m.local {
		return
	}
	for {
		v, _ := m.requestors.LoadOrStore(key, &requestorSet{addrs: make(map[model.Address]struct{})})
		set := v.(*requestorSet)
		set.lock.Lock()
		if set.closed {
			set.lock.Unlock()
			// Taken by a write, wait for removal of the closed set
			m.requestors.CompareAndDelete(key, set)
			continue
		}
		set.addrs[addr] = struct{}{}
		set.lock.Unlock()
		return
	}
}

// Requestors returns the registered requestors of the key, sorted.
func (m *Manager) Requestors(key string) model.Addresses {
	v, ok := m.requestors.Load(key)
	if !ok {
		return nil
	}
	set := v.(*requestorSet)
	set.lock.Lock()
	defer set.lock.Unlock()
	return set.list()
}

// TakeRequestors returns and unregisters the requestors of the key.
func (m *Manager) TakeRequestors(key string) model.Addresses {
	v, ok := m.requestors.LoadAndDelete(key)
	if !ok {
		return nil
	}
	set := v.(*requestorSet)
	set.lock.Lock()
	defer set.lock.Unlock()
	set.closed = true
	return set.list()
}

// ForgetSegments unregisters requestors of keys in the segments, the node is no longer an owner of them.
// The requestors are invalidated in the background, they cannot be invalidated by the new owners.
func (m *Manager) ForgetSegments(ctx context.Context, segments []int) int {
	targets := make(map[model.Address][]string)
	count := 0
	m.requestors.Range(func(k, _ any) bool {
		key := k.(string)
		if slices.Contains(segments, m.partitioner.Segment(key)) {
			for _, addr := range m.TakeRequestors(key) {
				targets[addr] = append(targets[addr], key)
			}
			count++
		}
		return true
	})

	for addr, keys := range targets {
		m.invalidateInBackground(ctx, addr, keys)
	}
	return count
}

func (s *requestorSet) list() model.Addresses {
	out := make(model.Addresses, 0, len(s.addrs))
	for addr := range s.addrs {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}
