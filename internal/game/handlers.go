package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fixspeech/wordfall/internal/capability"
	"github.com/fixspeech/wordfall/internal/capture"
	"github.com/fixspeech/wordfall/internal/entity"
	"github.com/fixspeech/wordfall/internal/recognition"
	"github.com/fixspeech/wordfall/internal/result"
)

func (r *Round) handle(ev any) {
	switch e := ev.(type) {
	case cmdSelect:
		e.respond(r.onSelect(e.sel))
	case cmdEnd:
		e.respond(r.onEnd())
	case cmdRetry:
		e.respond(r.onRetry())
	case cmdReset:
		e.respond(r.onReset())
	case cmdMiss:
		e.respond(r.onReportedMiss(e.roundID, e.id))
	case cmdTranscript:
		if r.state != Running {
			e.respond(fmt.Errorf("transcript while %s: %w", r.state, ErrInvalidTransition))
			return
		}
		r.onTranscript(e.t)
		e.respond(nil)
	case evTick:
		if e.epoch == r.epoch && r.state == CountingDown {
			r.onTick()
		}
	case evSpawn:
		if e.epoch == r.epoch && r.state == Running {
			r.onSpawn(e.e)
		}
	case evFall:
		if e.epoch == r.epoch && r.state == Running {
			r.onMiss(e.id, "fall")
		}
	case evTranscript:
		if e.epoch == r.epoch && r.state == Running {
			r.onTranscript(e.t)
		}
	case evSubsystem:
		if (e.current || e.epoch == r.epoch) && r.state == Running {
			r.onSubsystem(e.name, e.detail, e.err)
		}
	default:
		r.log.Warn("unknown round event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (r *Round) onSelect(sel StageSelection) error {
	if r.state != Idle && r.state != Over {
		return fmt.Errorf("select stage while %s: %w", r.state, ErrInvalidTransition)
	}
	r.stage = sel
	r.enterCountdown()
	return nil
}

func (r *Round) onRetry() error {
	if r.state != Over {
		return fmt.Errorf("retry while %s: %w", r.state, ErrInvalidTransition)
	}
	r.enterCountdown()
	return nil
}

func (r *Round) onReset() error {
	switch r.state {
	case Idle:
		return nil
	case Over:
		r.state = Idle
		r.roundID = ""
		r.last = nil
		r.lastHeard, r.lastInterim, r.hint = "", "", ""
		r.registry.Reset()
		r.publish()
		return nil
	default:
		return fmt.Errorf("reset while %s: %w", r.state, ErrInvalidTransition)
	}
}

func (r *Round) onEnd() error {
	switch r.state {
	case Running:
		r.enterOver(result.ReasonEnded)
		return nil
	case CountingDown:
		r.abortCountdown()
		return nil
	default:
		return fmt.Errorf("end while %s: %w", r.state, ErrInvalidTransition)
	}
}

// newPhase invalidates every timer and event of the previous phase.
func (r *Round) newPhase() {
	r.timers.Cancel()
	r.timers = newTimerGroup()
	r.epoch++
}

func (r *Round) enterCountdown() {
	if r.cfg.CountdownFrom == 0 {
		r.last = nil
		r.enterRunning()
		return
	}
	r.newPhase()
	r.state = CountingDown
	r.countdown = r.cfg.CountdownFrom
	r.last = nil
	r.log.Info("countdown started", slog.Int("stage_id", r.stage.StageID), slog.Int("words", len(r.stage.Words)))
	r.scheduleTick()
	r.publish()
}

func (r *Round) scheduleTick() {
	epoch := r.epoch
	r.timers.After(countdownKey, r.cfg.CountdownStep(), func() {
		r.post(context.Background(), evTick{epoch: epoch})
	})
}

func (r *Round) onTick() {
	r.countdown--
	if r.countdown > 0 {
		r.scheduleTick()
		r.publish()
		return
	}
	r.enterRunning()
}

func (r *Round) abortCountdown() {
	r.newPhase()
	r.state = Idle
	r.countdown = 0
	r.log.Info("countdown aborted", slog.Int("stage_id", r.stage.StageID))
	r.publish()
}

func (r *Round) enterRunning() {
	r.newPhase()
	epoch := r.epoch

	r.state = Running
	r.countdown = 0
	r.roundID = uuid.NewString()
	r.board.Reset()
	r.registry.Reset()
	r.engine.Reset()
	r.startedAt = r.clock()
	r.endedAt = r.startedAt
	r.lastHeard, r.lastInterim, r.hint = "", "", ""
	clear(r.degraded)

	parent := r.runCtx
	if parent == nil {
		parent = context.Background()
	}
	spanCtx, span := r.tracer.Start(parent, "round",
		trace.WithAttributes(
			attribute.String("round.id", r.roundID),
			attribute.Int("stage.id", r.stage.StageID),
		))
	r.span = span
	r.roundCtx, r.roundCancel = context.WithCancel(spanCtx)
	roundCtx, roundID := r.roundCtx, r.roundID

	log := r.log.With(slog.String("round_id", roundID))
	log.Info("round started", slog.Int("stage_id", r.stage.StageID))
	if r.deps.Journal != nil {
		r.deps.Journal.BeginRound(roundID, r.stage.StageID)
	}
	r.deps.Metrics.RoundStarted(roundCtx, r.stage.StageID)

	emit := func(ctx context.Context, e entity.Entity) {
		r.post(ctx, evSpawn{epoch: epoch, e: e})
	}
	if err := r.deps.Spawner.Activate(roundCtx, r.stage.Words, emit); err != nil {
		// Select already rejects empty pools, so this is a broken spawner.
		log.Error("spawner failed to activate", slog.String("error", err.Error()))
	}

	if rec := r.deps.Recognizer; rec != nil {
		deliver := func(t recognition.Transcript) {
			r.post(roundCtx, evTranscript{epoch: epoch, t: t})
		}
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			r.recMu.Lock()
			defer r.recMu.Unlock()
			err := rec.Start(roundCtx, deliver)
			if err == nil && roundCtx.Err() != nil {
				// The round ended while the session was opening.
				rec.Stop()
				return
			}
			r.post(roundCtx, evSubsystem{epoch: epoch, name: capability.Recognition, err: err})
		}()
	} else {
		r.onSubsystem(capability.Recognition, "", recognition.ErrCapabilityUnavailable)
	}

	if capt := r.deps.Capture; capt != nil {
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			r.capMu.Lock()
			defer r.capMu.Unlock()
			err := capt.Start(roundCtx, roundID)
			if err == nil && roundCtx.Err() != nil {
				capt.Stop()
				return
			}
			r.post(roundCtx, evSubsystem{epoch: epoch, name: capability.Capture, err: err})
		}()
	}

	r.publish()
}

func (r *Round) onSpawn(e entity.Entity) {
	if err := r.registry.Insert(e); err != nil {
		r.log.Warn("spawned entity rejected", slog.String("round_id", r.roundID), slog.String("error", err.Error()))
		return
	}
	epoch := r.epoch
	if e.FallDuration > 0 {
		r.timers.After(fallKey(e.ID), e.FallDuration, func() {
			r.post(context.Background(), evFall{epoch: epoch, id: e.ID})
		})
	}
	r.deps.Metrics.Spawned(r.roundCtx, r.stage.StageID)
	r.record("spawn", map[string]any{"id": e.ID, "text": e.Text, "x": e.X})
	r.publish()
}

func (r *Round) onReportedMiss(roundID string, id uint64) error {
	if r.state != Running || roundID != r.roundID {
		return fmt.Errorf("miss for round %q: %w", roundID, ErrStaleRound)
	}
	r.onMiss(id, "reported")
	return nil
}

// onMiss costs a life if id is still live. The match and miss paths race for
// the same entity; whichever removes it first wins.
func (r *Round) onMiss(id uint64, source string) {
	r.timers.Stop(fallKey(id))
	if !r.registry.RemoveByID(id) {
		return
	}
	lives := r.board.Miss()
	r.deps.Metrics.Missed(r.roundCtx, r.stage.StageID)
	r.span.AddEvent("miss", trace.WithAttributes(attribute.Int64("entity.id", int64(id))))
	r.record("miss", map[string]any{"id": id, "source": source, "lives": lives})
	if r.board.Exhausted() {
		r.enterOver(result.ReasonLivesExhausted)
		return
	}
	r.publish()
}

func (r *Round) onTranscript(t recognition.Transcript) {
	r.deps.Metrics.Transcript(r.roundCtx, t.IsFinal)
	if !t.IsFinal {
		r.lastInterim = t.Text
		r.publish()
		return
	}
	out, ok := r.engine.Apply(t)
	if !ok {
		return
	}
	r.lastHeard = out.Heard
	r.lastInterim = ""
	r.hint = out.Closest
	if out.Matched {
		r.timers.Stop(fallKey(out.Entity.ID))
		r.deps.Metrics.Matched(r.roundCtx, r.stage.StageID)
		r.span.AddEvent("match", trace.WithAttributes(attribute.Int64("entity.id", int64(out.Entity.ID))))
		r.record("match", map[string]any{"id": out.Entity.ID, "text": out.Heard, "seq": t.Seq, "score": out.Score})
	} else {
		r.record("unmatched", map[string]any{"text": out.Heard, "closest": out.Closest, "seq": t.Seq})
	}
	r.publish()
}

func (r *Round) onSubsystem(name, detail string, err error) {
	caps := r.deps.Capabilities
	if err == nil {
		delete(r.degraded, name)
		if caps != nil {
			caps.Set(name, true, detail)
		}
		r.publish()
		return
	}
	r.degraded[name] = err.Error()
	level := slog.LevelWarn
	if errors.Is(err, recognition.ErrCapabilityUnavailable) || errors.Is(err, capture.ErrDeviceUnavailable) {
		level = slog.LevelInfo
	}
	r.log.Log(r.roundCtx, level, "subsystem degraded, round continues",
		slog.String("round_id", r.roundID),
		slog.String("subsystem", name),
		slog.String("error", err.Error()))
	if caps != nil {
		caps.Set(name, false, err.Error())
	}
	r.record("degraded", map[string]any{"subsystem": name, "error": err.Error()})
	r.publish()
}

// enterOver stops everything the round started. Only the spawner is awaited;
// recognition and capture are signalled and wind down on their own.
func (r *Round) enterOver(reason string) {
	r.newPhase()
	r.deps.Spawner.Deactivate()
	if r.roundCancel != nil {
		r.roundCancel()
	}
	if r.deps.Recognizer != nil {
		r.deps.Recognizer.Stop()
	}
	if r.deps.Capture != nil {
		r.deps.Capture.Stop()
	}
	live := r.registry.Clear()
	r.engine.Reset()

	r.state = Over
	r.endedAt = r.clock()
	playtime := r.endedAt.Sub(r.startedAt)
	tally := r.board.Tally()
	rec := result.Record{
		RoundID:         r.roundID,
		StageID:         r.stage.StageID,
		PlaytimeSeconds: int(math.Floor(playtime.Seconds())),
		Score:           tally.Score,
		Spawned:         int(r.registry.Inserted()),
		Matched:         tally.Matched,
		Missed:          tally.Missed,
		Reason:          reason,
		EndedAt:         r.endedAt,
	}
	r.last = &rec

	r.log.Info("round over",
		slog.String("round_id", rec.RoundID),
		slog.String("reason", reason),
		slog.Int("score", rec.Score),
		slog.Int("playtime_seconds", rec.PlaytimeSeconds),
		slog.Int("unresolved", live))
	r.record("over", rec)
	r.deps.Metrics.RoundFinished(context.Background(), rec.StageID, reason, playtime)
	if r.span != nil {
		r.span.SetAttributes(
			attribute.Int("round.score", rec.Score),
			attribute.Int("round.playtime_seconds", rec.PlaytimeSeconds),
			attribute.String("round.reason", reason),
		)
		r.span.End()
	}
	r.submit(rec)
	r.publish()
}

// submit hands rec to the sink in the background. Failures are logged only.
func (r *Round) submit(rec result.Record) {
	sink := r.deps.Sink
	if sink == nil {
		return
	}
	timeout := r.cfg.SubmitTimeout()
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sink.Submit(ctx, rec); err != nil {
			r.deps.Metrics.SubmitFailed(ctx)
			r.log.Warn("result submission failed",
				slog.String("round_id", rec.RoundID),
				slog.String("error", err.Error()))
		}
	}()
}

func (r *Round) record(eventType string, payload any) {
	if r.deps.Journal == nil {
		return
	}
	r.deps.Journal.Record(r.roundID, eventType, payload)
}
