// Package l1 provides the near-cache of values owned by other nodes.
//
// # Requestor side
//
// Manager.Get deduplicates concurrent remote fetches of the same key, at most one fetch per key is in flight.
// The fetch is represented by a synchronizer registered before the remote request is sent,
// so an invalidation received during the fetch marks the synchronizer and the fetched value is not cached.
// The invalidation also unregisters the synchronizer, following reads start a new fetch.
// Entries expire after the Lifespan, the expiration is handled by the ristretto cache.
//
// # Owner side
//
// The owner tracks requestors of each key, see Manager.AddRequestor.
// A write takes the requestors, see Manager.TakeRequestors, and invalidates them synchronously, see Manager.Invalidate.
package l1

import (
	"context"
	"slices"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/grid/consistenthash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// FetchFn reads the key from an owner.
type FetchFn func(ctx context.Context) (value []byte, found bool, err error)

// Notifier sends invalidations to other nodes, it is implemented by the transport.Transport.
type Notifier interface {
	InvalidateL1(ctx context.Context, to model.Address, req transport.InvalidateL1Request) error
}

type Manager struct {
	config      Config
	local       model.Address
	clock       clockwork.Clock
	logger      log.Logger
	notifier    Notifier
	partitioner consistenthash.KeyPartitioner
	cache       *ristretto.Cache[string, entry]
	index       *keyIndex
	// inflight contains *synchronizer per key
	inflight sync.Map
	// requestors contains *requestorSet per key
	requestors sync.Map
	wg         *sync.WaitGroup
	metrics    metrics
}

type metrics struct {
	remoteFetch  metric.Int64Counter
	dedupHit     metric.Int64Counter
	hit          metric.Int64Counter
	invalidation metric.Int64Counter
}

type entry struct {
	key   string
	value []byte
}

// synchronizer of an in-flight remote fetch.
type synchronizer struct {
	lock        sync.Mutex
	invalidated bool
	done        chan struct{}
	value       []byte
	found       bool
	err         error
}

func New(cfg Config, local model.Address, partitioner consistenthash.KeyPartitioner, notifier Notifier, clk clockwork.Clock, logger log.Logger, tel telemetry.Telemetry) (*Manager, error) {
	meter := tel.Meter()
	m := &Manager{
		config:      cfg,
		local:       local,
		clock:       clk,
		logger:      logger.WithComponent("grid.l1"),
		notifier:    notifier,
		partitioner: partitioner,
		index:       newKeyIndex(),
		wg:          &sync.WaitGroup{},
		metrics: metrics{
			remoteFetch:  meter.Counter("grid.l1.remote_fetch", "Count of remote fetches.", ""),
			dedupHit:     meter.Counter("grid.l1.dedup_hit", "Count of reads joined to an in-flight fetch.", ""),
			hit:          meter.Counter("grid.l1.hit", "Count of reads served from the near-cache.", ""),
			invalidation: meter.Counter("grid.l1.invalidation", "Count of invalidation requests sent.", ""),
		},
	}

	maxCost := int64(cfg.MaxSize.Bytes()) //nolint:gosec // the size is validated
	cache, err := ristretto.NewCache(&ristretto.Config[string, entry]{
		NumCounters:        max(10_000, maxCost/256*10),
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
		// Expired and evicted entries are removed from the segment index
		OnEvict: func(item *ristretto.Item[entry]) {
			m.index.remove(m.partitioner.Segment(item.Value.key), item.Value.key)
		},
	})
	if err != nil {
		return nil, errors.PrefixError(err, "cannot create L1 cache")
	}
	m.cache = cache
	return m, nil
}

// Close waits for background invalidations and releases the cache.
func (m *Manager) Close() {
	m.wg.Wait()
	m.cache.Close()
}

// Get returns the value from the near-cache or fetches it.
// Concurrent calls for the same key share one fetch.
// A joined call fetches again, if the shared fetch was invalidated or canceled by the context of its caller.
func (m *Manager) Get(ctx context.Context, key string, fetch FetchFn) (value []byte, found bool, err error) {
	for {
		if value, found := m.Lookup(key); found {
			m.metrics.hit.Add(ctx, 1)
			return value, true, nil
		}

		s := &synchronizer{done: make(chan struct{})}
		actual, loaded := m.inflight.LoadOrStore(key, s)
		if !loaded {
			return m.fetch(ctx, key, s, fetch)
		}

		m.metrics.dedupHit.Add(ctx, 1)
		value, found, again, err := actual.(*synchronizer).wait(ctx)
		if !again {
			return value, found, err
		}
	}
}

func (m *Manager) fetch(ctx context.Context, key string, s *synchronizer, fetch FetchFn) ([]byte, bool, error) {
	// Unregister the synchronizer on success and on failure, waiting callers are released
	defer func() {
		m.inflight.CompareAndDelete(key, s)
		close(s.done)
	}()

	m.metrics.remoteFetch.Add(ctx, 1)
	s.value, s.found, s.err = fetch(ctx)
	if s.err != nil {
		return nil, false, s.err
	}

	if s.found {
		s.lock.Lock()
		if !s.invalidated {
			m.put(key, s.value)
		}
		s.lock.Unlock()
	}

	return slices.Clone(s.value), s.found, nil
}

// Lookup returns the value from the near-cache, expired entries are not returned.
func (m *Manager) Lookup(key string) ([]byte, bool) {
	e, found := m.cache.Get(key)
	if !found {
		return nil, false
	}
	return slices.Clone(e.value), true
}

// InvalidateLocal removes the keys from the near-cache and marks in-flight fetches of the keys.
// A marked fetch is unregistered, so a following read does not join it.
// Invalidation of a missing key is a no-op.
func (m *Manager) InvalidateLocal(keys ...string) {
	for _, key := range keys {
		if v, ok := m.inflight.Load(key); ok {
			s := v.(*synchronizer)
			s.lock.Lock()
			s.invalidated = true
			s.lock.Unlock()
			m.inflight.CompareAndDelete(key, s)
		}
		m.remove(key)
	}
}

// ClearSegments removes all near-cache entries of the segments.
func (m *Manager) ClearSegments(segments []int) int {
	keys := m.index.take(segments)
	m.InvalidateLocal(keys...)
	return len(keys)
}

// Len returns count of keys in the near-cache, including not yet evicted expired keys.
func (m *Manager) Len() int {
	return m.index.len()
}

func (m *Manager) put(key string, value []byte) {
	e := entry{key: key, value: slices.Clone(value)}
	if m.cache.SetWithTTL(key, e, int64(len(key)+len(value)), m.config.Lifespan) {
		m.cache.Wait()
		m.index.add(m.partitioner.Segment(key), key)
	}
}

func (m *Manager) remove(key string) {
	m.cache.Del(key)
	m.cache.Wait()
	m.index.remove(m.partitioner.Segment(key), key)
}

// wait for the shared fetch, "again" is true if the caller should fetch the value by itself.
func (s *synchronizer) wait(ctx context.Context) (value []byte, found bool, again bool, err error) {
	select {
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	case <-s.done:
	}

	s.lock.Lock()
	invalidated := s.invalidated
	s.lock.Unlock()

	switch {
	case invalidated:
		return nil, false, true, nil
	case errors.Is(s.err, context.Canceled) || errors.Is(s.err, context.DeadlineExceeded):
		// The shared fetch was canceled by the context of its caller
		if ctx.Err() != nil {
			return nil, false, false, ctx.Err()
		}
		return nil, false, true, nil
	case s.err != nil:
		return nil, false, false, s.err
	default:
		return slices.Clone(s.value), s.found, false, nil
	}
}

type keyIndex struct {
	lock     sync.Mutex
	segments map[int]map[string]struct{}
}

func newKeyIndex() *keyIndex {
	return &keyIndex{segments: make(map[int]map[string]struct{})}
}

func (v *keyIndex) add(segment int, key string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	keys, ok := v.segments[segment]
	if !ok {
		keys = make(map[string]struct{})
		v.segments[segment] = keys
	}
	keys[key] = struct{}{}
}

func (v *keyIndex) remove(segment int, key string) {
	v.lock.Lock()
	defer v.lock.Unlock()
	delete(v.segments[segment], key)
}

func (v *keyIndex) take(segments []int) []string {
	v.lock.Lock()
	defer v.lock.Unlock()
	var out []string
	for _, segment := range segments {
		for key := range v.segments[segment] {
			out = append(out, key)
		}
		delete(v.segments, segment)
	}
	slices.Sort(out)
	return out
}

func (v *keyIndex) len() int {
	v.lock.Lock()
	defer v.lock.Unlock()
	n := 0
	for _, keys := range v.segments {
		n += len(keys)
	}
	return n
}
