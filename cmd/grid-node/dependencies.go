package main

import (
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/common/distribution"
	"github.com/keboola/data-grid/internal/pkg/service/common/servicectx"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
)

// dependencies of the grid node, the membership and the coordinator.
type dependencies struct {
	clock      clockwork.Clock
	logger     log.Logger
	telemetry  telemetry.Telemetry
	process    *servicectx.Process
	etcdClient *etcd.Client
	transport  transport.Transport
}

func (d *dependencies) Clock() clockwork.Clock {
	return d.clock
}

func (d *dependencies) Logger() log.Logger {
	return d.logger
}

func (d *dependencies) Telemetry() telemetry.Telemetry {
	return d.telemetry
}

func (d *dependencies) Process() *servicectx.Process {
	return d.process
}

func (d *dependencies) EtcdClient() *etcd.Client {
	return d.etcdClient
}

func (d *dependencies) Transport() transport.Transport {
	return d.transport
}

// memberResolver resolves RPC addresses of members, no member is known before the membership is started.
type memberResolver struct {
	node atomic.Pointer[distribution.Node]
}

func (r *memberResolver) Member(addr model.Address) (model.Member, bool) {
	if n := r.node.Load(); n != nil {
		return n.Member(addr)
	}
	return model.Member{}, false
}
