package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName scopes every instrument the game records.
const MeterName = "github.com/fixspeech/wordfall/game"

// Metrics holds the game instruments. A nil *Metrics records nothing.
type Metrics struct {
	spawned        metric.Int64Counter
	matched        metric.Int64Counter
	missed         metric.Int64Counter
	transcripts    metric.Int64Counter
	roundsStarted  metric.Int64Counter
	roundsFinished metric.Int64Counter
	restarts       metric.Int64Counter
	submitFailures metric.Int64Counter
	roundDuration  metric.Float64Histogram
	liveEntities   metric.Int64ObservableGauge
	meter          metric.Meter
}

// NewMetrics creates the instruments on meter, or on a no-op meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(MeterName)
	}
	m := &Metrics{meter: meter}
	var err error
	if m.spawned, err = meter.Int64Counter("wordfall.entities.spawned", metric.WithDescription("Entities spawned")); err != nil {
		return nil, err
	}
	if m.matched, err = meter.Int64Counter("wordfall.entities.matched", metric.WithDescription("Entities matched by speech")); err != nil {
		return nil, err
	}
	if m.missed, err = meter.Int64Counter("wordfall.entities.missed", metric.WithDescription("Entities that reached the bottom")); err != nil {
		return nil, err
	}
	if m.transcripts, err = meter.Int64Counter("wordfall.transcripts", metric.WithDescription("Transcripts delivered to the round")); err != nil {
		return nil, err
	}
	if m.roundsStarted, err = meter.Int64Counter("wordfall.rounds.started", metric.WithDescription("Rounds that entered Running")); err != nil {
		return nil, err
	}
	if m.roundsFinished, err = meter.Int64Counter("wordfall.rounds.finished", metric.WithDescription("Rounds that entered Over")); err != nil {
		return nil, err
	}
	if m.restarts, err = meter.Int64Counter("wordfall.recognition.restarts", metric.WithDescription("Recognition session restarts")); err != nil {
		return nil, err
	}
	if m.submitFailures, err = meter.Int64Counter("wordfall.results.submit_failures", metric.WithDescription("Failed result submissions")); err != nil {
		return nil, err
	}
	if m.roundDuration, err = meter.Float64Histogram("wordfall.round.duration", metric.WithDescription("Round playtime"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveLive reports the live entity count through fn on every collection.
func (m *Metrics) ObserveLive(fn func() int64) error {
	if m == nil {
		return nil
	}
	gauge, err := m.meter.Int64ObservableGauge("wordfall.entities.live", metric.WithDescription("Entities currently falling"))
	if err != nil {
		return err
	}
	m.liveEntities = gauge
	_, err = m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, fn())
		return nil
	}, gauge)
	return err
}

func (m *Metrics) Spawned(ctx context.Context, stageID int) {
	if m == nil {
		return
	}
	m.spawned.Add(ctx, 1, stageAttr(stageID))
}

func (m *Metrics) Matched(ctx context.Context, stageID int) {
	if m == nil {
		return
	}
	m.matched.Add(ctx, 1, stageAttr(stageID))
}

func (m *Metrics) Missed(ctx context.Context, stageID int) {
	if m == nil {
		return
	}
	m.missed.Add(ctx, 1, stageAttr(stageID))
}

func (m *Metrics) Transcript(ctx context.Context, final bool) {
	if m == nil {
		return
	}
	m.transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

func (m *Metrics) RoundStarted(ctx context.Context, stageID int) {
	if m == nil {
		return
	}
	m.roundsStarted.Add(ctx, 1, stageAttr(stageID))
}

func (m *Metrics) RoundFinished(ctx context.Context, stageID int, reason string, playtime time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("stage", stageID), attribute.String("reason", reason))
	m.roundsFinished.Add(ctx, 1, attrs)
	m.roundDuration.Record(ctx, playtime.Seconds(), attrs)
}

func (m *Metrics) RecognitionRestarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.restarts.Add(ctx, 1)
}

func (m *Metrics) SubmitFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.submitFailures.Add(ctx, 1)
}

func stageAttr(stageID int) metric.AddOption {
	return metric.WithAttributes(attribute.Int("stage", stageID))
}
