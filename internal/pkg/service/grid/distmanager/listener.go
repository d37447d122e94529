package distmanager

import (
	"sync"

	"github.com/keboola/data-grid/internal/pkg/service/grid/topology"
)

// Listener streams installed topologies.
// If the receiver is slow, intermediate topologies are skipped, the latest one is always delivered.
type Listener struct {
	C         <-chan *topology.CacheTopology
	c         chan *topology.CacheTopology
	listeners *listeners
	id        int
}

type listeners struct {
	lock      *sync.Mutex
	nextID    int
	listeners map[int]*Listener
}

func newListeners() *listeners {
	return &listeners{lock: &sync.Mutex{}, listeners: make(map[int]*Listener)}
}

// Stop stops the listener, no more topologies are delivered.
func (l *Listener) Stop() {
	l.listeners.lock.Lock()
	defer l.listeners.lock.Unlock()
	delete(l.listeners.listeners, l.id)
}

func (v *listeners) add() *Listener {
	v.lock.Lock()
	defer v.lock.Unlock()
	c := make(chan *topology.CacheTopology, 1)
	l := &Listener{C: c, c: c, listeners: v, id: v.nextID}
	v.listeners[l.id] = l
	v.nextID++
	return l
}

func (v *listeners) notify(t *topology.CacheTopology) {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, l := range v.listeners {
		// Replace a not yet received topology
		select {
		case <-l.c:
		default:
		}
		l.c <- t
	}
}
