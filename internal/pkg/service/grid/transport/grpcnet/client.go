// Package grpcnet provides the gRPC network of grid nodes.
//
// The grid service is described by a hand-written grpc.ServiceDesc and messages are encoded by the JSON codec,
// so no code is generated. Typed grid errors are transferred in the ErrorInfo detail of the gRPC status.
package grpcnet

import (
	"context"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/keboola/data-grid/internal/pkg/log"
	gridErrors "github.com/keboola/data-grid/internal/pkg/service/common/errors"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// Resolver finds the network address of a member, it is implemented by the distribution.Node.
type Resolver interface {
	Member(addr model.Address) (model.Member, bool)
}

// Transport sends commands to other nodes over gRPC, one connection per node is kept.
type Transport struct {
	config   Config
	logger   log.Logger
	resolver Resolver
	dialOpts []grpc.DialOption
	callOpts []grpc.CallOption

	lock  sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewTransport(cfg Config, resolver Resolver, logger log.Logger, tel telemetry.Telemetry) *Transport {
	t := &Transport{
		config:   cfg,
		logger:   logger.WithComponent("grid.rpc.client"),
		resolver: resolver,
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler(otelgrpc.WithTracerProvider(tel.TracerProvider()), otelgrpc.WithMeterProvider(tel.MeterProvider()))),
		},
		callOpts: []grpc.CallOption{grpc.CallContentSubtype(codecName)},
	}
	if cfg.Compression {
		t.callOpts = append(t.callOpts, grpc.UseCompressor(compressorName))
	}
	return t
}

// Close all connections.
func (t *Transport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	errs := errors.NewMultiError()
	for target, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs.Append(errors.PrefixErrorf(err, `cannot close connection to "%s"`, target))
		}
		delete(t.conns, target)
	}
	return errs.ErrorOrNil()
}

func (t *Transport) ClusteredGet(ctx context.Context, to model.Address, req transport.ClusteredGetRequest) (res transport.ClusteredGetResponse, err error) {
	err = t.invoke(ctx, to, methodClusteredGet, req, &res)
	return res, err
}

func (t *Transport) InvalidateL1(ctx context.Context, to model.Address, req transport.InvalidateL1Request) error {
	return t.invoke(ctx, to, methodInvalidateL1, req, &empty{})
}

func (t *Transport) PrimaryWrite(ctx context.Context, to model.Address, req transport.WriteRequest) error {
	return t.invoke(ctx, to, methodPrimaryWrite, req, &empty{})
}

func (t *Transport) BackupWrite(ctx context.Context, to model.Address, req transport.BackupWriteRequest) (res transport.BackupWriteResponse, err error) {
	err = t.invoke(ctx, to, methodBackupWrite, req, &res)
	return res, err
}

func (t *Transport) StateTransferChunk(ctx context.Context, to model.Address, req transport.StateTransferChunk) error {
	return t.invoke(ctx, to, methodStateTransferChunk, req, &empty{})
}

func (t *Transport) StartStatePush(ctx context.Context, to model.Address, req transport.StatePushRequest) error {
	return t.invoke(ctx, to, methodStartStatePush, req, &empty{})
}

func (t *Transport) TopologyUpdate(ctx context.Context, to model.Address, req transport.TopologyUpdateRequest) error {
	return t.invoke(ctx, to, methodTopologyUpdate, req, &empty{})
}

func (t *Transport) invoke(ctx context.Context, to model.Address, method string, req, res any) error {
	conn, err := t.conn(to)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	if err := conn.Invoke(ctx, fullMethod(method), req, res, t.callOpts...); err != nil {
		return fromStatus(err, to, method, t.config.Timeout)
	}
	return nil
}

func (t *Transport) conn(to model.Address) (*grpc.ClientConn, error) {
	member, found := t.resolver.Member(to)
	if !found || member.RPCAddress == "" {
		return nil, gridErrors.NewNodeUnreachableError(to.String(), errors.New("unknown member"))
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if conn, found := t.conns[member.RPCAddress]; found {
		return conn, nil
	}

	conn, err := grpc.NewClient(member.RPCAddress, t.dialOpts...)
	if err != nil {
		return nil, gridErrors.NewNodeUnreachableError(to.String(), err)
	}
	t.conns[member.RPCAddress] = conn
	t.logger.Debugf(context.Background(), `created connection to "%s", address "%s"`, to, member.RPCAddress)
	return conn, nil
}
