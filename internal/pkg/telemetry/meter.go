package telemetry

import "go.opentelemetry.io/otel/metric"

// Meter creates instruments, it panics on an invalid instrument definition.
type Meter struct {
	meter metric.Meter
}

func (m Meter) Counter(name, desc, unit string) metric.Int64Counter {
	return mustInstrument(m.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit)))
}

func (m Meter) UpDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	return mustInstrument(m.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit)))
}

func (m Meter) Histogram(name, desc, unit string) metric.Float64Histogram {
	return mustInstrument(m.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit)))
}

func mustInstrument[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
