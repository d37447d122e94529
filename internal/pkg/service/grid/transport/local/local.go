// Package local provides an in-memory network of grid nodes.
// Requests are delivered by direct calls of the target handler, each call is made in a new goroutine.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keboola/data-grid/internal/pkg/encoding/json"
	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// Interceptor is called before a request is delivered. A returned error is returned to the sender.
// The interceptor may block to delay the request.
type Interceptor func(ctx context.Context, from, to model.Address, req any) error

type Network struct {
	lock         *sync.RWMutex
	handlers     map[model.Address]transport.Handler
	down         map[model.Address]bool
	interceptors []Interceptor
}

// Transport of a node connected to the Network.
type Transport struct {
	network *Network
	local   model.Address
}

func NewNetwork() *Network {
	return &Network{
		lock:     &sync.RWMutex{},
		handlers: make(map[model.Address]transport.Handler),
		down:     make(map[model.Address]bool),
	}
}

// Transport returns a transport of the address, requests to the node fail until it joins.
func (n *Network) Transport(addr model.Address) *Transport {
	return &Transport{network: n, local: addr}
}

// Join connects the handler to the network.
func (n *Network) Join(addr model.Address, handler transport.Handler) *Transport {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.handlers[addr] = handler
	delete(n.down, addr)
	return n.Transport(addr)
}

// Leave disconnects the node, requests to the node fail with NodeUnreachableError.
func (n *Network) Leave(addr model.Address) {
	n.lock.Lock()
	defer n.lock.Unlock()
	delete(n.handlers, addr)
}

// SetDown simulates an outage of the node.
func (n *Network) SetDown(addr model.Address, down bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.down[addr] = down
}

// Intercept adds the interceptor to all requests.
func (n *Network) Intercept(fn Interceptor) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.interceptors = append(n.interceptors, fn)
}

func (n *Network) handler(ctx context.Context, from, to model.Address, req any) (transport.Handler, error) {
	n.lock.RLock()
	handler, found := n.handlers[to]
	down := n.down[to] || n.down[from]
	interceptors := n.interceptors
	n.lock.RUnlock()

	if !found || down {
		return nil, gridErrors.NewNodeUnreachableError(string(to), errors.New("not connected"))
	}
	for _, fn := range interceptors {
		if err := fn(ctx, from, to, req); err != nil {
			return nil, err
		}
	}
	return handler, nil
}

// call invokes the handler in a new goroutine, the request is copied to simulate serialization.
func call[Req any, Res any](ctx context.Context, t *Transport, to model.Address, req Req, fn func(ctx context.Context, h transport.Handler, req Req) (Res, error)) (res Res, err error) {
	handler, err := t.network.handler(ctx, t.local, to, req)
	if err != nil {
		return res, err
	}

	var reqCopy Req
	if err := copyValue(req, &reqCopy); err != nil {
		return res, gridErrors.NewMarshallingError(err)
	}

	type result struct {
		res Res
		err error
	}
	startTime := time.Now()
	done := make(chan result, 1)
	go func() {
		r, err := fn(ctx, handler, reqCopy)
		done <- result{res: r, err: err}
	}()

	select {
	case <-ctx.Done():
		return res, timeoutError(ctx.Err(), to, req, time.Since(startTime))
	case r := <-done:
		if r.err != nil {
			return res, timeoutError(r.err, to, req, time.Since(startTime))
		}
		var resCopy Res
		if err := copyValue(r.res, &resCopy); err != nil {
			return res, gridErrors.NewMarshallingError(err)
		}
		return resCopy, nil
	}
}

// timeoutError converts an exceeded deadline to TimeoutError, as the network transport does.
func timeoutError(err error, to model.Address, req any, elapsed time.Duration) error {
	var timeoutErr gridErrors.TimeoutError
	if !errors.Is(err, context.DeadlineExceeded) || errors.As(err, &timeoutErr) {
		return err
	}
	return gridErrors.NewTimeoutError(fmt.Sprintf(`%T to "%s"`, req, to), elapsed, err)
}

func copyValue(in, out any) error {
	data, err := json.Encode(in, false)
	if err != nil {
		return err
	}
	return json.Decode(data, out)
}

type empty struct{}

func (t *Transport) Local() model.Address {
	return t.local
}

func (t *Transport) ClusteredGet(ctx context.Context, to model.Address, req transport.ClusteredGetRequest) (transport.ClusteredGetResponse, error) {
	return call(ctx, t, to, req, func(ctx context.Context, h transport.Handler, req transport.ClusteredGetRequest) (transport.ClusteredGetResponse, error) {
		return h.HandleClusteredGet(ctx, req)
	})
}

func (t *Transport) InvalidateL1(ctx context.Context, to model.Address, req transport.InvalidateL1Request) error {
	_, err := call(ctx, t, to, req, func(ctx context.Context, h transport.Handler, req transport.InvalidateL1Request) (empty, error) {
		return empty{}, h.HandleInvalidateL1(ctx, req)
	})
	return err
}

func (t *Transport) PrimaryWrite(ctx context.Context, to model.Address, req transport.WriteRequest) error {
	_, err := call(ctx, t, to, req, func(ctx context.Context, h transport.Handler, req transport.WriteRequest) (empty, error) {
		return empty{}, h.HandlePrimaryWrite(ctx, req)
	})
	return err
}

func (t *Transport) BackupWrite(ctx context.Context, to model.Address, req transport.BackupWriteRequest) (transport.BackupWriteResponse, error) {
	return call(ctx, t, to, req, func(ctx context.Context, h transport.Handler, req transport.BackupWriteRequest) (transport.BackupWriteResponse, error) {
		return h.HandleBackupWrite(ctx, req)
	})
}

func (t *Transport) StateTransferChunk(ctx context.Context, to model.Address, req transport.StateTransferChunk) error {
	_, err := call(ctx, t, to, req, func(ctx context.Context, h transport.Handler, req transport.StateTransferChunk) (empty, error) {
		return empty{}, h.HandleStateTransferChunk(ctx, req)
	})
	return err
}

func (t *Transport) StartStatePush(ctx context.Context, to model.Address, req transport.StatePushRequest) error {
	_, err := call(ctx, t, to, req, func(ctx context.Context, h transport.Handler, req transport.StatePushRequest) (empty, error) {
		return empty{}, h.HandleStartStatePush(ctx, req)
	})
	return err
}

func (t *Transport) TopologyUpdate(ctx context.Context, to model.Address, req transport.TopologyUpdateRequest) error {
	_, err := call(ctx, t, to, req, func(ctx context.Context, h transport.Handler, req transport.TopologyUpdateRequest) (empty, error) {
		return empty{}, h.HandleTopologyUpdate(ctx, req)
	})
	return err
}
