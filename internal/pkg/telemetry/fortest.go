package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ForTest collects metrics and spans in memory.
type ForTest interface {
	Telemetry
	// SpanNames returns names of all ended spans, in the end order.
	SpanNames() []string
	Spans() []sdktrace.ReadOnlySpan
	Metrics(t *testing.T) []metricdata.Metrics
	// CounterValue returns sum of all data points of the counter, optionally filtered by attributes.
	CounterValue(t *testing.T, name string, attrs ...attribute.KeyValue) int64
	// HistogramCount returns number of recorded values.
	HistogramCount(t *testing.T, name string) uint64
}

type forTest struct {
	*telemetry
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
}

func NewForTest(t *testing.T) ForTest {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		require.NoError(t, meterProvider.Shutdown(context.Background()))
		require.NoError(t, tracerProvider.Shutdown(context.Background()))
	})
	return &forTest{telemetry: newTelemetry(tracerProvider, meterProvider), reader: reader, spans: spans}
}

func (v *forTest) Spans() []sdktrace.ReadOnlySpan {
	return v.spans.Ended()
}

func (v *forTest) SpanNames() []string {
	var out []string
	for _, span := range v.spans.Ended() {
		out = append(out, span.Name())
	}
	return out
}

func (v *forTest) Metrics(t *testing.T) []metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, v.reader.Collect(context.Background(), &rm))
	var out []metricdata.Metrics
	for _, sm := range rm.ScopeMetrics {
		out = append(out, sm.Metrics...)
	}
	return out
}

func (v *forTest) CounterValue(t *testing.T, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	for _, m := range v.Metrics(t) {
		if m.Name != name {
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok, `metric "%s" is not an int64 sum`, name)
		for _, dp := range sum.DataPoints {
			if hasAttributes(dp.Attributes, attrs) {
				total += dp.Value
			}
		}
	}
	return total
}

func (v *forTest) HistogramCount(t *testing.T, name string) uint64 {
	t.Helper()
	var total uint64
	for _, m := range v.Metrics(t) {
		if m.Name != name {
			continue
		}
		hist, ok := m.Data.(metricdata.Histogram[float64])
		require.True(t, ok, `metric "%s" is not a float64 histogram`, name)
		for _, dp := range hist.DataPoints {
			total += dp.Count
		}
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		if v, ok := set.Value(kv.Key); !ok || v != kv.Value {
			return false
		}
	}
	return true
}
