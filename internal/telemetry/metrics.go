// Package telemetry holds the OpenTelemetry instruments of the worker pool.
//
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/e7canasta/orion-care-classifier"

// Metrics records pool activity.
type Metrics struct {
	meter metric.Meter

	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	acquireWait     metric.Float64Histogram
	restarts        metric.Int64Counter
}

// New creates the pool instruments on mp, or on the global provider when mp
// is nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{meter: mp.Meter(meterName)}

	var err error
	if m.attempts, err = m.meter.Int64Counter("classifier.prediction.attempts",
		metric.WithDescription("Prediction attempts by result code"),
	); err != nil {
		return nil, err
	}
	if m.attemptDuration, err = m.meter.Float64Histogram("classifier.prediction.duration",
		metric.WithDescription("Time spent inside a worker per attempt"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.acquireWait, err = m.meter.Float64Histogram("classifier.acquire.wait",
		metric.WithDescription("Time spent waiting for an idle worker"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.restarts, err = m.meter.Int64Counter("classifier.worker.restarts",
		metric.WithDescription("Worker respawns by reason"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAttempt counts one attempt. code is empty on success.
func (m *Metrics) RecordAttempt(ctx context.Context, code string, d time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	attrs := metric.WithAttributes(attribute.String("code", code))
	m.attempts.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, ms(d), attrs)
}

// RecordAcquireWait records how long a caller waited for a worker.
func (m *Metrics) RecordAcquireWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.Record(ctx, ms(d))
}

// RecordRestart counts one respawn.
func (m *Metrics) RecordRestart(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// WorkerCounts reports the pool size split by availability.
type WorkerCounts func() (ready, busy, total int)

// ObserveWorkers registers gauges fed by fn on every collection. The
// returned func unregisters them.
func (m *Metrics) ObserveWorkers(fn WorkerCounts) (func() error, error) {
	if m == nil {
		return func() error { return nil }, nil
	}

	ready, err := m.meter.Int64ObservableGauge("classifier.workers.ready",
		metric.WithDescription("Workers that completed the READY handshake"))
	if err != nil {
		return nil, err
	}
	busy, err := m.meter.Int64ObservableGauge("classifier.workers.busy",
		metric.WithDescription("Workers with a call in flight"))
	if err != nil {
		return nil, err
	}
	total, err := m.meter.Int64ObservableGauge("classifier.workers.total",
		metric.WithDescription("Configured pool size"))
	if err != nil {
		return nil, err
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r, b, t := fn()
		o.ObserveInt64(ready, int64(r))
		o.ObserveInt64(busy, int64(b))
		o.ObserveInt64(total, int64(t))
		return nil
	}, ready, busy, total)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
