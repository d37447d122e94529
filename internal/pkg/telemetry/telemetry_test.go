package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

func TestForTest_Instruments(t *testing.T) {
	t.Parallel()

	tel := NewForTest(t)
	counter := tel.Meter().Counter("grid.test.counter", "Test counter.", "")
	ctx := context.Background()
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("node", "a")))
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("node", "b")))

	assert.Equal(t, int64(5), tel.CounterValue(t, "grid.test.counter"))
	assert.Equal(t, int64(3), tel.CounterValue(t, "grid.test.counter", attribute.String("node", "b")))
	assert.Equal(t, int64(0), tel.CounterValue(t, "grid.missing"))

	hist := tel.Meter().Histogram("grid.test.duration", "Test duration.", "ms")
	hist.Record(ctx, 1.5)
	hist.Record(ctx, 2.5)
	assert.Equal(t, uint64(2), tel.HistogramCount(t, "grid.test.duration"))
}

func TestNew_NilProvider(t *testing.T) {
	t.Parallel()

	tel, err := New(func() (metric.MeterProvider, error) { return nil, nil })
	require.NoError(t, err)
	assert.NotNil(t, tel.MeterProvider())
	tel.Meter().Counter("grid.nop", "", "").Add(context.Background(), 1)

	NewNop().Meter().UpDownCounter("grid.nop.updown", "", "").Add(context.Background(), -1)
}

func TestForTest_Spans(t *testing.T) {
	t.Parallel()

	tel := NewForTest(t)
	fn := func(ctx context.Context, fail bool) (err error) {
		_, span := tel.Tracer().Start(ctx, "grid.test.operation")
		defer EndSpan(span, &err)
		if fail {
			return assert.AnError
		}
		return nil
	}

	require.NoError(t, fn(context.Background(), false))
	require.Error(t, fn(context.Background(), true))
	assert.Equal(t, []string{"grid.test.operation", "grid.test.operation"}, tel.SpanNames())
	assert.Equal(t, codes.Unset, tel.Spans()[0].Status().Code)
	assert.Equal(t, codes.Error, tel.Spans()[1].Status().Code)
}
