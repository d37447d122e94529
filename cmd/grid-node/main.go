// nolint: gocritic
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/common/configmap"
	"github.com/keboola/data-grid/internal/pkg/service/common/distribution"
	"github.com/keboola/data-grid/internal/pkg/service/common/etcdclient"
	"github.com/keboola/data-grid/internal/pkg/service/common/servicectx"
	"github.com/keboola/data-grid/internal/pkg/service/grid/config"
	"github.com/keboola/data-grid/internal/pkg/service/grid/gridnode"
	"github.com/keboola/data-grid/internal/pkg/service/grid/model"
	"github.com/keboola/data-grid/internal/pkg/service/grid/rehash"
	"github.com/keboola/data-grid/internal/pkg/service/grid/transport/grpcnet"
	"github.com/keboola/data-grid/internal/pkg/telemetry"
	"github.com/keboola/data-grid/internal/pkg/telemetry/prometheus"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const ServiceName = "grid-node"

func main() {
	if err := run(); err != nil {
		fmt.Println(errors.PrefixError(err, "fatal error").Error()) // nolint:forbidigo
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load ENVs from the optional .env file, existing ENVs take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.PrefixError(err, "cannot load .env file")
	}

	// Load configuration.
	cfg, err := config.Bind(os.Args[1:], os.LookupEnv)
	if errors.Is(err, pflag.ErrHelp) {
		// Stop on --help flag
		return nil
	} else if err != nil {
		return err
	}

	// Create logger.
	logFormat, err := log.NewLogFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	logger := log.NewServiceLogger(os.Stdout, logFormat, cfg.Log.Debug).WithComponent("grid") // nolint:forbidigo
	if dump, err := configmap.Dump(&cfg); err == nil {
		logger.Infof(ctx, "configuration: %s", dump)
	} else {
		logger.Warnf(ctx, "cannot dump configuration: %s", err)
	}

	// Create process abstraction.
	proc, err := servicectx.New(servicectx.WithLogger(logger), servicectx.WithUniqueID(cfg.NodeID))
	if err != nil {
		return err
	}

	// Setup telemetry.
	tel, err := telemetry.New(func() (metric.MeterProvider, error) {
		if !cfg.Metrics.Enabled {
			return nil, nil
		}
		return prometheus.ServeMetrics(ctx, ServiceName, cfg.Metrics.Listen, logger, proc)
	})
	if err != nil {
		return err
	}

	if err := start(ctx, cfg, proc, logger, tel); err != nil {
		proc.Shutdown(ctx, err)
		_ = proc.WaitForShutdown()
		return err
	}

	// Wait for the service shutdown, the reason is logged by the process.
	_ = proc.WaitForShutdown()
	return nil
}

func start(ctx context.Context, cfg config.Config, proc *servicectx.Process, logger log.Logger, tel telemetry.Telemetry) error {
	etcdClient, err := etcdclient.New(ctx, proc, tel, logger, cfg.Etcd)
	if err != nil {
		return err
	}

	// Members are resolved when the membership is started, the gRPC server must be listening before it.
	resolver := &memberResolver{}
	transport := grpcnet.NewTransport(cfg.RPC, resolver, logger, tel)
	d := &dependencies{
		clock:      clockwork.NewRealClock(),
		logger:     logger,
		telemetry:  tel,
		process:    proc,
		etcdClient: etcdClient,
		transport:  transport,
	}

	local := model.Address(cfg.NodeID)
	node, err := gridnode.New(d, local, cfg.Config)
	if err != nil {
		return err
	}
	proc.OnShutdown(func(ctx context.Context) {
		node.Close()
		if err := transport.Close(); err != nil {
			logger.Errorf(ctx, "cannot close gRPC connections: %s", err)
		}
	})

	if _, err := grpcnet.StartServer(ctx, proc, cfg.RPC, node, logger, tel); err != nil {
		return err
	}

	// Join the cluster.
	self := model.Member{Address: local, RPCAddress: cfg.RPC.Advertised(), CapacityFactor: cfg.Hashing.CapacityFactor}
	membership, err := distribution.NewNode(d, self, cfg.Membership)
	if err != nil {
		return err
	}
	resolver.node.Store(membership)

	coordinator, err := rehash.NewCoordinator(node, cfg.Hashing, cfg.Rehash)
	if err != nil {
		return err
	}
	runCoordinator(proc, logger, membership, coordinator)
	return nil
}

// runCoordinator drives the topology coordinator by membership changes.
// Only the oldest member coordinates, other members stop their coordinator.
func runCoordinator(proc *servicectx.Process, logger log.Logger, membership *distribution.Node, coordinator *rehash.Coordinator) {
	listener := membership.OnChangeListener()
	proc.OnShutdown(func(_ context.Context) {
		listener.Stop()
		coordinator.Stop()
	})

	proc.Add(func(ctx context.Context, _ servicectx.ShutdownFn) {
		onChange := func() {
			if membership.IsOldest() {
				coordinator.OnMembersChange(ctx, membership.Members())
			} else {
				coordinator.Stop()
			}
		}

		onChange()
		for events := range listener.C {
			logger.Infof(ctx, "membership changed: %s", events.Messages())
			onChange()
		}
	})
}
