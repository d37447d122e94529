package distribution

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keboola/data-grid/internal/pkg/log"
)

// Listener streams grouped membership events.
type Listener struct {
	C      <-chan Events
	stop   context.CancelFunc
	done   chan struct{}
	lock   sync.Mutex
	buffer Events
	notify chan struct{}
}

type listeners struct {
	clock    clockwork.Clock
	logger   log.Logger
	interval time.Duration
	ctx      context.Context
	wg       *sync.WaitGroup

	lock sync.Mutex
	all  map[*Listener]struct{}
}

func newListeners(ctx context.Context, wg *sync.WaitGroup, clk clockwork.Clock, logger log.Logger, interval time.Duration) *listeners {
	return &listeners{
		clock:    clk,
		logger:   logger,
		interval: interval,
		ctx:      ctx,
		wg:       wg,
		all:      make(map[*Listener]struct{}),
	}
}

// Stop the listener, the channel C is closed.
func (l *Listener) Stop() {
	l.stop()
	<-l.done
}

func (v *listeners) add() *Listener {
	ctx, cancel := context.WithCancel(v.ctx)
	out := make(chan Events)
	l := &Listener{C: out, stop: cancel, done: make(chan struct{}), notify: make(chan struct{}, 1)}

	v.lock.Lock()
	v.all[l] = struct{}{}
	v.lock.Unlock()

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(l.done)
		defer close(out)
		defer func() {
			v.lock.Lock()
			delete(v.all, l)
			v.lock.Unlock()
		}()

		for {
			// Wait for the first event
			select {
			case <-ctx.Done():
				return
			case <-l.notify:
			}

			// Group events in the interval
			if v.interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-v.clock.After(v.interval):
				}
			}

			l.lock.Lock()
			events := l.buffer
			l.buffer = nil
			l.lock.Unlock()
			if len(events) == 0 {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- events:
			}
		}
	}()

	return l
}

// Notify all listeners about the event.
func (v *listeners) Notify(event Event) {
	v.lock.Lock()
	defer v.lock.Unlock()
	for l := range v.all {
		l.lock.Lock()
		l.buffer = append(l.buffer, event)
		l.lock.Unlock()
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}
