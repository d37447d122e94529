// Package distmanager holds the current CacheTopology of the node and answers ownership queries.
//
// The topology is published via an atomic pointer, the read path never blocks.
// Topologies are installed only with a strictly increasing ID, so no reader observes a decreasing ID.
//
// # Hooks
//
// Use Manager.OnPrepare to react before a topology is published, for example to reset sequence counters.
// Use Manager.OnInstall to react after a topology is published, for example to drop data no longer owned.
// Hooks are called synchronously in the install order.
//
// # Listeners
//
// Use Manager.OnChangeListener to receive installed topologies via a channel.
package distmanager

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/data-grid/internal/pkg/log"
	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const (
	ModeRead Mode = iota
	ModeWrite
)

const (
	LocalityLocal  Locality = "local"
	LocalityRemote Locality = "remote"
	LocalityLost   Locality = "lost"
)

// ErrNoTopology is returned by queries before the first topology is installed.
var ErrNoTopology = errors.New("no topology installed")

// Mode selects the consistent hash used by Locate.
type Mode int

// Locality of a key from the local node point of view.
type Locality string

type Hook func(ctx context.Context, prev, next *topology.CacheTopology)

type Manager struct {
	local     model.Address
	logger    log.Logger
	current   atomic.Pointer[topology.CacheTopology]
	lock      *sync.Mutex
	installed chan struct{}
	prepare   []Hook
	install   []Hook
	listeners *listeners
}

func New(local model.Address, logger log.Logger) *Manager {
	return &Manager{
		local:     local,
		logger:    logger.WithComponent("grid.distribution"),
		lock:      &sync.Mutex{},
		installed: make(chan struct{}),
		listeners: newListeners(),
	}
}

func (m *Manager) Local() model.Address {
	return m.local
}

// Topology returns the current topology or nil, if no topology is installed.
func (m *Manager) Topology() *topology.CacheTopology {
	return m.current.Load()
}

// TopologyID returns ID of the current topology, or 0 if no topology is installed.
func (m *Manager) TopologyID() int {
	if t := m.current.Load(); t != nil {
		return t.ID
	}
	return 0
}

// OnPrepare registers a hook called before the topology is published.
func (m *Manager) OnPrepare(fn Hook) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.prepare = append(m.prepare, fn)
}

// OnInstall registers a hook called after the topology is published.
func (m *Manager) OnInstall(fn Hook) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.install = append(m.install, fn)
}

// OnChangeListener returns a new listener, it contains channel C with installed topologies.
func (m *Manager) OnChangeListener() *Listener {
	return m.listeners.add()
}

// Install publishes the topology.
// A topology with an ID less than or equal to the current one is ignored, it returns false.
func (m *Manager) Install(ctx context.Context, next *topology.CacheTopology) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, errors.PrefixErrorf(err, `invalid topology "%d"`, next.ID)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	prev := m.current.Load()
	if prev != nil {
		if next.ID <= prev.ID {
			m.logger.Debugf(ctx, `ignored topology "%d", current is "%d"`, next.ID, prev.ID)
			return false, nil
		}
		if next.NumSegments() != prev.NumSegments() {
			return false, errors.Errorf(`topology "%d" has %d segments, expected %d`, next.ID, next.NumSegments(), prev.NumSegments())
		}
	}

	for _, fn := range m.prepare {
		fn(ctx, prev, next)
	}

	m.current.Store(next)
	close(m.installed)
	m.installed = make(chan struct{})

	fingerprint := "unknown"
	if v, err := next.WriteCH.Fingerprint(); err == nil {
		fingerprint = strconv.FormatUint(v, 16)
	} else {
		m.logger.Warnf(ctx, `%s`, err)
	}

	m.logger.With(
		attribute.Int("topology.id", next.ID),
		attribute.Int("topology.rebalanceId", next.RebalanceID),
		attribute.String("topology.phase", string(next.Phase)),
		attribute.String("topology.fingerprint", fingerprint),
	).Infof(ctx, `installed topology "<topology.id>", phase "<topology.phase>", members %s`, next.Members())

	for _, fn := range m.install {
		fn(ctx, prev, next)
	}

	m.listeners.notify(next)
	return true, nil
}

// WaitForTopology blocks until a topology with ID greater than or equal to the id is installed.
func (m *Manager) WaitForTopology(ctx context.Context, id int) (*topology.CacheTopology, error) {
	for {
		m.lock.Lock()
		current := m.current.Load()
		installed := m.installed
		m.lock.Unlock()

		if current != nil && current.ID >= id {
			return current, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.PrefixErrorf(ctx.Err(), `cannot wait for topology "%d"`, id)
		case <-installed:
		}
	}
}

// Locate returns owners of the key, read or write owners according to the mode.
func (m *Manager) Locate(key string, mode Mode) (model.Addresses, error) {
	t := m.current.Load()
	if t == nil {
		return nil, ErrNoTopology
	}
	if mode == ModeWrite {
		return t.WriteCH.LocateOwners(key), nil
	}
	return t.ReadCH.LocateOwners(key), nil
}

func (m *Manager) KeyDistribution(key string) (topology.DistributionInfo, error) {
	t := m.current.Load()
	if t == nil {
		return topology.DistributionInfo{}, ErrNoTopology
	}
	return t.KeyDistribution(key, m.local), nil
}

// IsLocal returns true if the local node is a read owner of the key.
func (m *Manager) IsLocal(key string) bool {
	t := m.current.Load()
	return t != nil && t.ReadCH.IsKeyOwner(m.local, key)
}

func (m *Manager) IsWriteOwner(key string) bool {
	t := m.current.Load()
	return t != nil && t.WriteCH.IsKeyOwner(m.local, key)
}

func (m *Manager) Locality(key string) (Locality, error) {
	info, err := m.KeyDistribution(key)
	if err != nil {
		return "", err
	}
	switch {
	case !info.HasOwners():
		return LocalityLost, nil
	case info.IsReadOwner():
		return LocalityLocal, nil
	default:
		return LocalityRemote, nil
	}
}

// CheckTopology returns StaleTopologyError if the current topology ID differs from the expected one.
func (m *Manager) CheckTopology(expected int) error {
	if actual := m.TopologyID(); actual != expected {
		return gridErrors.NewStaleTopologyError(expected, actual)
	}
	return nil
}
