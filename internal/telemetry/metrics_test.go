package telemetry

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected aggregation %T", data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordGameActivity(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider.Meter(MeterName))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if err := m.ObserveLive(func() int64 { return 4 }); err != nil {
		t.Fatalf("observe live: %v", err)
	}

	ctx := context.Background()
	m.RoundStarted(ctx, 1)
	m.Spawned(ctx, 1)
	m.Spawned(ctx, 1)
	m.Matched(ctx, 1)
	m.Missed(ctx, 1)
	m.Transcript(ctx, true)
	m.RoundFinished(ctx, 1, "ended", 12*time.Second)

	data := collect(t, reader)
	if got := sumOf(t, data["wordfall.entities.spawned"]); got != 2 {
		t.Fatalf("expected 2 spawned, got %d", got)
	}
	if got := sumOf(t, data["wordfall.rounds.finished"]); got != 1 {
		t.Fatalf("expected 1 finished round, got %d", got)
	}
	gauge, ok := data["wordfall.entities.live"].(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 4 {
		t.Fatalf("unexpected live gauge %+v", data["wordfall.entities.live"])
	}
	hist, ok := data["wordfall.round.duration"].(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 12 {
		t.Fatalf("unexpected duration histogram %+v", data["wordfall.round.duration"])
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Spawned(ctx, 1)
	m.RoundFinished(ctx, 1, "ended", time.Second)
	if err := m.ObserveLive(func() int64 { return 0 }); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := NewMetrics(nil); err != nil {
		t.Fatalf("noop metrics: %v", err)
	}
}
