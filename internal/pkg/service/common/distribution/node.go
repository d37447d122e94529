// Package distribution provides the membership of grid nodes.
//
// Each node registers itself as an etcd key with a lease, the value is the JSON encoded model.Member.
// All nodes watch the prefix, so each node has a local copy of the member list.
// The oldest member, by the creation revision of its key, runs the rebalance coordinator.
//
// # Atomicity
//
// During watch propagation or lease timeout, nodes can have a different member list.
// The rebalance coordinator does not rely on it: topologies are ordered by an increasing ID,
// a node rejects any topology older than the installed one.
//
// # Listeners
//
// Use Node.OnChangeListener method to create a listener for membership change events.
package distribution

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/common/servicectx"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const (
	membersPrefix       = "members/"
	watchRetryInterval  = time.Second
	memberEventsBufSize = 16
)

type Node struct {
	clock     clockwork.Clock
	logger    log.Logger
	client    *etcd.Client
	config    Config
	self      model.Member
	session   *concurrency.Session
	listeners *listeners

	lock    sync.RWMutex
	members map[model.Address]registered
}

type registered struct {
	member         model.Member
	createRevision int64
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
	Process() *servicectx.Process
	EtcdClient() *etcd.Client
}

// NewNode registers the local member and starts watching other members.
// The function returns when the local member has been discovered by the watcher.
func NewNode(d dependencies, self model.Member, cfg Config) (*Node, error) {
	n := &Node{
		clock:   d.Clock(),
		logger:  d.Logger().WithComponent("distribution"),
		client:  d.EtcdClient(),
		config:  cfg,
		self:    self,
		members: make(map[model.Address]registered),
	}

	proc := d.Process()
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	n.listeners = newListeners(ctx, wg, n.clock, n.logger, cfg.EventsGroupInterval)

	var err error
	n.session, err = concurrency.NewSession(n.client, concurrency.WithTTL(cfg.TTLSeconds))
	if err != nil {
		cancel()
		return nil, errors.PrefixError(err, "cannot create etcd session")
	}

	if err := n.register(ctx); err != nil {
		cancel()
		_ = n.session.Close()
		return nil, err
	}

	proc.OnShutdown(func(ctx context.Context) {
		n.logger.Info(ctx, "received shutdown request")
		cancel()
		wg.Wait()
		n.unregister(ctx)
		n.logger.Info(ctx, "shutdown done")
	})

	rev, err := n.load(ctx)
	if err != nil {
		return nil, err
	}
	if _, found := n.Member(self.Address); !found {
		return nil, errors.Errorf(`the node "%s" has not been discovered`, self.Address)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.watch(ctx, rev)
	}()

	return n, nil
}

// Self returns the local member.
func (n *Node) Self() model.Member {
	return n.self
}

// OnChangeListener returns a new listener, it contains channel C with grouped membership events.
func (n *Node) OnChangeListener() *Listener {
	return n.listeners.add()
}

// Members returns all members sorted by the address.
func (n *Node) Members() []model.Member {
	n.lock.RLock()
	defer n.lock.RUnlock()
	out := make([]model.Member, 0, len(n.members))
	for _, r := range n.members {
		out = append(out, r.member)
	}
	slices.SortFunc(out, func(a, b model.Member) int {
		return strings.Compare(string(a.Address), string(b.Address))
	})
	return out
}

// Member returns the member by the address.
func (n *Node) Member(addr model.Address) (model.Member, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	r, found := n.members[addr]
	return r.member, found
}

// Oldest returns the address of the member registered first.
func (n *Node) Oldest() model.Address {
	n.lock.RLock()
	defer n.lock.RUnlock()
	var oldest registered
	for _, r := range n.members {
		if oldest.createRevision == 0 || r.createRevision < oldest.createRevision {
			oldest = r
		}
	}
	return oldest.member.Address
}

// IsOldest returns true if the local member is the oldest member, it runs the rebalance coordinator.
func (n *Node) IsOldest() bool {
	return n.Oldest() == n.self.Address
}

func (n *Node) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.StartupTimeout)
	defer cancel()

	startTime := n.clock.Now()
	n.logger.Infof(ctx, `registering the node "%s"`, n.self.Address)

	value, err := json.EncodeString(n.self, false)
	if err != nil {
		return err
	}

	if _, err := n.client.Put(ctx, membersPrefix+n.self.Address.String(), value, etcd.WithLease(n.session.Lease())); err != nil {
		return errors.Errorf(`cannot register the node "%s": %w`, n.self.Address, err)
	}

	n.logger.WithDuration(n.clock.Since(startTime)).Infof(ctx, `the node "%s" registered`, n.self.Address)
	return nil
}

func (n *Node) unregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.config.ShutdownTimeout)
	defer cancel()

	startTime := n.clock.Now()
	n.logger.Infof(ctx, `unregistering the node "%s"`, n.self.Address)

	if _, err := n.client.Delete(ctx, membersPrefix+n.self.Address.String()); err != nil {
		n.logger.Warnf(ctx, `cannot unregister the node "%s": %s`, n.self.Address, err)
	}
	if err := n.session.Close(); err != nil {
		n.logger.Warnf(ctx, `cannot close etcd session: %s`, err)
	}

	n.logger.WithDuration(n.clock.Since(startTime)).Infof(ctx, `the node "%s" unregistered`, n.self.Address)
}

// load all members and replace the local state, it returns the revision of the snapshot.
func (n *Node) load(ctx context.Context) (int64, error) {
	resp, err := n.client.Get(ctx, membersPrefix, etcd.WithPrefix())
	if err != nil {
		return 0, errors.PrefixError(err, "cannot load members")
	}

	actual := make(map[model.Address]registered, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if r, ok := n.decode(ctx, kv); ok {
			actual[r.member.Address] = r
		}
	}

	n.lock.Lock()
	var events Events
	for addr, r := range n.members {
		if _, found := actual[addr]; !found {
			events = append(events, removedEvent(r.member))
		}
	}
	for addr, r := range actual {
		if _, found := n.members[addr]; !found {
			events = append(events, addedEvent(r.member))
		}
	}
	n.members = actual
	n.lock.Unlock()

	n.notify(ctx, events)
	return resp.Header.Revision, nil
}

// watch for member changes, the watch is restarted on failure.
func (n *Node) watch(ctx context.Context, rev int64) {
	n.logger.Info(ctx, "watching for other nodes")
	for {
		ch := n.client.Watch(ctx, membersPrefix, etcd.WithPrefix(), etcd.WithPrevKV(), etcd.WithRev(rev+1))
		for resp := range ch {
			if err := resp.Err(); err != nil {
				n.logger.Errorf(ctx, "watcher failed: %s", err)
				if errors.Is(err, rpctypes.ErrCompacted) {
					rev = 0
				}
				break
			}
			n.onWatchEvents(ctx, resp.Events)
			rev = resp.Header.Revision
		}

		select {
		case <-ctx.Done():
			return
		case <-n.clock.After(watchRetryInterval):
		}

		// Events may be lost, resync the state
		if rev == 0 {
			var err error
			if rev, err = n.load(ctx); err != nil {
				n.logger.Errorf(ctx, "cannot resync members: %s", err)
				rev = 0
			}
		}
	}
}

func (n *Node) onWatchEvents(ctx context.Context, raw []*etcd.Event) {
	events := make(Events, 0, memberEventsBufSize)
	n.lock.Lock()
	for _, e := range raw {
		switch e.Type {
		case mvccpb.PUT:
			r, ok := n.decode(ctx, e.Kv)
			if !ok {
				continue
			}
			if _, found := n.members[r.member.Address]; !found {
				events = append(events, addedEvent(r.member))
			}
			n.members[r.member.Address] = r
		case mvccpb.DELETE:
			addr := model.Address(strings.TrimPrefix(string(e.Kv.Key), membersPrefix))
			if r, found := n.members[addr]; found {
				delete(n.members, addr)
				events = append(events, removedEvent(r.member))
			}
		}
	}
	n.lock.Unlock()
	n.notify(ctx, events)
}

func (n *Node) decode(ctx context.Context, kv *mvccpb.KeyValue) (registered, bool) {
	var member model.Member
	if err := json.Decode(kv.Value, &member); err != nil {
		n.logger.Warnf(ctx, `cannot decode member "%s": %s`, kv.Key, err)
		return registered{}, false
	}
	return registered{member: member, createRevision: kv.CreateRevision}, true
}

func (n *Node) notify(ctx context.Context, events Events) {
	for _, event := range events {
		n.logger.Info(ctx, event.Message)
		n.listeners.Notify(event)
	}
}

func addedEvent(m model.Member) Event {
	return Event{Type: EventMemberAdded, Member: m, Message: fmt.Sprintf(`found a new node "%s"`, m.Address)}
}

func removedEvent(m model.Member) Event {
	return Event{Type: EventMemberRemoved, Member: m, Message: fmt.Sprintf(`the node "%s" gone`, m.Address)}
}
