package grpcnet

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/common/servicectx"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

// Server receives commands from other nodes and passes them to the handler.
type Server struct {
	logger   log.Logger
	server   *grpc.Server
	listener net.Listener
}

// StartServer starts listening, the server is gracefully stopped when the process is shutting down.
func StartServer(ctx context.Context, proc *servicectx.Process, cfg Config, handler transport.Handler, logger log.Logger, tel telemetry.Telemetry) (*Server, error) {
	s := &Server{logger: logger.WithComponent("grid.rpc.server")}

	var err error
	s.listener, err = net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot listen on "%s"`, cfg.Listen)
	}

	s.server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(otelgrpc.WithTracerProvider(tel.TracerProvider()), otelgrpc.WithMeterProvider(tel.MeterProvider()))),
		grpc.ConnectionTimeout(cfg.Timeout),
	)
	s.server.RegisterService(&serviceDesc, handler)

	proc.Add(func(ctx context.Context, shutdown servicectx.ShutdownFn) {
		s.logger.Infof(ctx, `listening on "%s"`, s.listener.Addr())
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			shutdown(ctx, errors.PrefixError(err, "rpc server failed"))
		}
	})

	proc.OnShutdown(func(ctx context.Context) {
		startTime := time.Now()
		s.logger.Info(ctx, "shutting down the rpc server")
		s.server.GracefulStop()
		s.logger.WithDuration(time.Since(startTime)).Info(ctx, "rpc server shutdown done")
	})

	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
