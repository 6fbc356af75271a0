package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordAttemptAndRestart(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordAttempt(ctx, "", 40*time.Millisecond)
	m.RecordAttempt(ctx, "PREDICTION_TIMEOUT", time.Second)
	m.RecordAcquireWait(ctx, 5*time.Millisecond)
	m.RecordRestart(ctx, "crashed")

	got := collect(t, reader)

	attempts, ok := got["classifier.prediction.attempts"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, attempts.DataPoints, 2)
	var total int64
	for _, dp := range attempts.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	restarts, ok := got["classifier.worker.restarts"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, restarts.DataPoints, 1)
	reason, _ := restarts.DataPoints[0].Attributes.Value("reason")
	assert.Equal(t, "crashed", reason.AsString())

	assert.Contains(t, got, "classifier.acquire.wait")
}

func TestObserveWorkers(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	unregister, err := m.ObserveWorkers(func() (int, int, int) { return 2, 1, 3 })
	require.NoError(t, err)
	defer unregister()

	got := collect(t, reader)
	ready, ok := got["classifier.workers.ready"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, ready.DataPoints, 1)
	assert.Equal(t, int64(2), ready.DataPoints[0].Value)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAttempt(context.Background(), "WORKER_CRASHED", time.Millisecond)
	m.RecordRestart(context.Background(), "crashed")

	unregister, err := m.ObserveWorkers(func() (int, int, int) { return 0, 0, 0 })
	require.NoError(t, err)
	assert.NoError(t, unregister())
}

func TestSetupWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, err := Setup(context.Background(), "", "classifierd", "test", 0)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
