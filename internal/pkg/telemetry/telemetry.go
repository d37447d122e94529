// Package telemetry provides OpenTelemetry metrics and tracing for grid components.
package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	metricNoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const appName = "github.com/keboola/data-grid"

type Telemetry interface {
	TracerProvider() trace.TracerProvider
	Tracer() Tracer
	MeterProvider() metric.MeterProvider
	Meter() Meter
}

type MeterProviderFactory func() (metric.MeterProvider, error)

type Option func(c *config)

type config struct {
	tracerProvider trace.TracerProvider
}

type telemetry struct {
	tracerProvider trace.TracerProvider
	tracer         Tracer
	meterProvider  metric.MeterProvider
	meter          Meter
}

// WithTracerProvider sets the tracer provider, a no-op provider is used by default.
func WithTracerProvider(v trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = v
	}
}

// New creates telemetry from the factory, if the factory returns nil, a no-op provider is used.
func New(meterProviderFactory MeterProviderFactory, opts ...Option) (Telemetry, error) {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}

	var provider metric.MeterProvider
	if meterProviderFactory != nil {
		var err error
		if provider, err = meterProviderFactory(); err != nil {
			return nil, err
		}
	}
	if provider == nil {
		provider = metricNoop.NewMeterProvider()
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = traceNoop.NewTracerProvider()
	}
	return newTelemetry(cfg.tracerProvider, provider), nil
}

func NewNop() Telemetry {
	return newTelemetry(traceNoop.NewTracerProvider(), metricNoop.NewMeterProvider())
}

func newTelemetry(tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) *telemetry {
	return &telemetry{
		tracerProvider: tracerProvider,
		tracer:         Tracer{tracer: tracerProvider.Tracer(appName)},
		meterProvider:  meterProvider,
		meter:          Meter{meter: meterProvider.Meter(appName)},
	}
}

func (t *telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

func (t *telemetry) Tracer() Tracer {
	return t.tracer
}

func (t *telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

func (t *telemetry) Meter() Meter {
	return t.meter
}
