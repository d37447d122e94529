// Package prometheus exposes OpenTelemetry metrics in the Prometheus format.
package prometheus

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/keboola/data-grid/internal/pkg/log"
	"github.com/keboola/data-grid/internal/pkg/service/common/servicectx"
	"github.com/keboola/data-grid/internal/pkg/utils/errors"
)

const (
	Endpoint          = "/metrics"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// ServeMetrics starts an HTTP server with the metrics endpoint and returns the meter provider feeding it.
// The server is stopped on the process shutdown.
func ServeMetrics(ctx context.Context, serviceName, listenAddr string, logger log.Logger, proc *servicectx.Process) (metric.MeterProvider, error) {
	logger = logger.WithComponent("metrics")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: serviceName}),
	)

	exporter, err := otelprometheus.New(
		otelprometheus.WithRegisterer(registry),
		otelprometheus.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, errors.PrefixError(err, "cannot create Prometheus exporter")
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot listen on "%s"`, listenAddr)
	}

	mux := http.NewServeMux()
	mux.Handle(Endpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	proc.Add(func(ctx context.Context, shutdown servicectx.ShutdownFn) {
		logger.Infof(ctx, `metrics HTTP server listening on "%s%s"`, listener.Addr().String(), Endpoint)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdown(context.WithoutCancel(ctx), errors.PrefixError(err, "metrics server failed"))
		}
	})

	proc.OnShutdown(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf(ctx, `metrics HTTP server shutdown failed: %s`, err)
		}
		if err := provider.Shutdown(ctx); err != nil {
			logger.Errorf(ctx, `meter provider shutdown failed: %s`, err)
		}
		logger.Info(ctx, "metrics HTTP server shutdown finished")
	})

	return provider, nil
}
