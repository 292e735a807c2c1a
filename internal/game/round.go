// Package game runs the round state machine. A single loop goroutine owns the
// round: commands, timer ticks, spawns, transcripts and misses all arrive as
// events on one inbox and are applied one at a time in arrival order.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fixspeech/wordfall/internal/capability"
	"github.com/fixspeech/wordfall/internal/config"
	"github.com/fixspeech/wordfall/internal/entity"
	"github.com/fixspeech/wordfall/internal/match"
	"github.com/fixspeech/wordfall/internal/recognition"
	"github.com/fixspeech/wordfall/internal/result"
	"github.com/fixspeech/wordfall/internal/score"
	"github.com/fixspeech/wordfall/internal/spawner"
	"github.com/fixspeech/wordfall/internal/telemetry"
	"github.com/fixspeech/wordfall/internal/textnorm"
)

// WordSource loads the word pool of a stage.
type WordSource interface {
	Words(ctx context.Context, stageID int) ([]string, error)
}

// Spawner emits entities while a round runs. Deactivate must not return while
// an emit is in progress.
type Spawner interface {
	Activate(ctx context.Context, pool []string, emit spawner.EmitFunc) error
	Deactivate()
}

// Recognizer is the recognition adapter as seen by the round.
type Recognizer interface {
	Start(ctx context.Context, deliver recognition.DeliverFunc) error
	Stop()
}

// Capturer is the capture controller as seen by the round.
type Capturer interface {
	Start(ctx context.Context, roundID string) error
	Stop()
	Level() float64
	Waveform() []float64
}

// Journal receives the round timeline. Writes must not block.
type Journal interface {
	BeginRound(roundID string, stageID int)
	Record(roundID, eventType string, payload any)
}

// Deps are the collaborators of a round. Only Words is required.
type Deps struct {
	Words        WordSource
	Sink         result.Sink
	Recognizer   Recognizer
	Capture      Capturer
	Spawner      Spawner
	Metrics      *telemetry.Metrics
	Capabilities *capability.Registry
	Journal      Journal
	Rand         *rand.Rand
	Clock        func() time.Time
}

// Round is the round state machine.
type Round struct {
	cfg    config.GameConfig
	deps   Deps
	log    *slog.Logger
	clock  func() time.Time
	tracer trace.Tracer

	inbox   chan any
	done    chan struct{}
	started atomic.Bool
	bg      sync.WaitGroup

	// Serializes subsystem starts across rounds.
	recMu sync.Mutex
	capMu sync.Mutex

	registry *entity.Registry
	board    *score.Board
	engine   *match.Engine

	// Owned by the loop goroutine.
	runCtx      context.Context
	state       State
	countdown   int
	epoch       uint64
	roundID     string
	stage       StageSelection
	startedAt   time.Time
	endedAt     time.Time
	timers      *timerGroup
	roundCtx    context.Context
	roundCancel context.CancelFunc
	span        trace.Span
	lastHeard   string
	lastInterim string
	hint        string
	degraded    map[string]string
	last        *result.Record

	snapMu  sync.RWMutex
	snap    Snapshot
	version uint64
	subs    map[int]chan Snapshot
	nextSub int
}

// New builds a round. Run must be called to start the loop.
func New(cfg config.GameConfig, deps Deps, log *slog.Logger) *Round {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Spawner == nil {
		deps.Spawner = spawner.New(cfg, deps.Rand).WithClock(deps.Clock)
	}
	if cfg.CountdownFrom < 0 {
		cfg.CountdownFrom = 0
	}
	if cfg.SubmitTimeoutMS <= 0 {
		cfg.SubmitTimeoutMS = 5000
	}
	inbox := cfg.InboxSize
	if inbox <= 0 {
		inbox = 256
	}
	registry := entity.NewRegistry()
	board := score.NewBoard(cfg.MaxLives)
	r := &Round{
		cfg:      cfg,
		deps:     deps,
		log:      log.With(slog.String("component", "game")),
		clock:    deps.Clock,
		tracer:   otel.Tracer("github.com/fixspeech/wordfall/game"),
		inbox:    make(chan any, inbox),
		done:     make(chan struct{}),
		registry: registry,
		board:    board,
		engine:   match.NewEngine(registry, board, cfg.HintThreshold),
		timers:   newTimerGroup(),
		degraded: make(map[string]string),
		subs:     make(map[int]chan Snapshot),
	}
	r.snap = r.build()
	return r
}

// Run processes events until ctx ends. A running round is ended on the way
// out so its result is still submitted.
func (r *Round) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("round loop already running")
	}
	r.runCtx = ctx
	defer close(r.done)

	r.log.Info("round loop started")
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case ev := <-r.inbox:
			r.handle(ev)
		}
	}
}

func (r *Round) shutdown() {
	switch r.state {
	case Running:
		r.enterOver(result.ReasonEnded)
	case CountingDown:
		r.abortCountdown()
	}
	r.timers.Cancel()
	r.bg.Wait()
	r.log.Info("round loop stopped")
}

// SelectStage loads the words of stageID and starts the countdown. A failed or
// empty load leaves the state unchanged.
func (r *Round) SelectStage(ctx context.Context, stageID int) error {
	if st := r.Snapshot().State; st != Idle && st != Over {
		return fmt.Errorf("select stage while %s: %w", st, ErrInvalidTransition)
	}
	if r.deps.Words == nil {
		return fmt.Errorf("select stage %d: no word source", stageID)
	}
	words, err := r.deps.Words.Words(ctx, stageID)
	if err != nil {
		return fmt.Errorf("load stage %d: %w", stageID, err)
	}
	return r.Select(ctx, StageSelection{StageID: stageID, Words: words})
}

// Select starts the countdown with an already loaded selection.
func (r *Round) Select(ctx context.Context, sel StageSelection) error {
	pool := make([]string, 0, len(sel.Words))
	for _, w := range sel.Words {
		if textnorm.Normalize(w) != "" {
			pool = append(pool, w)
		}
	}
	if len(pool) == 0 {
		return fmt.Errorf("stage %d: %w", sel.StageID, ErrNoWords)
	}
	sel.Words = pool
	return r.command(ctx, cmdSelect{sel: sel})
}

// End ends a running round, or aborts a countdown back to Idle.
func (r *Round) End(ctx context.Context) error {
	return r.command(ctx, cmdEnd{})
}

// Retry starts a new countdown on the stage of the round that just ended.
func (r *Round) Retry(ctx context.Context) error {
	return r.command(ctx, cmdRetry{})
}

// Reset returns from Over to Idle.
func (r *Round) Reset(ctx context.Context) error {
	return r.command(ctx, cmdReset{})
}

// ReportMiss is called by the rendering layer when an entity reaches the
// bottom. Reporting an entity that is already gone is a no-op.
func (r *Round) ReportMiss(ctx context.Context, roundID string, entityID uint64) error {
	return r.command(ctx, cmdMiss{roundID: roundID, id: entityID})
}

// DeliverTranscript feeds a transcript from outside the adapter, such as a
// recognizer running in the browser. Text is normalized here.
func (r *Round) DeliverTranscript(ctx context.Context, text string, final bool) error {
	t := recognition.Transcript{Text: textnorm.Normalize(text), IsFinal: final, At: r.clock()}
	if t.Text == "" {
		return nil
	}
	return r.command(ctx, cmdTranscript{t: t})
}

// ReportSubsystem records a subsystem failure (or recovery, with a nil err)
// against the running round.
func (r *Round) ReportSubsystem(name string, err error) {
	r.post(context.Background(), evSubsystem{current: true, name: name, err: err})
}

// LiveCount is the number of entities currently falling.
func (r *Round) LiveCount() int {
	return r.registry.Len()
}

// Snapshot returns the latest published view with live capture data.
func (r *Round) Snapshot() Snapshot {
	r.snapMu.RLock()
	snap := r.snap
	r.snapMu.RUnlock()
	if snap.State == Running {
		snap.Elapsed = r.clock().Sub(snap.StartedAt).Seconds()
		if r.deps.Capture != nil {
			snap.Level = r.deps.Capture.Level()
			snap.Waveform = r.deps.Capture.Waveform()
		}
	}
	return snap
}

// Subscribe delivers every published snapshot. Slow subscribers only see the
// latest one. The returned func unsubscribes.
func (r *Round) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	r.snapMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snap
	r.snapMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.snapMu.Lock()
			delete(r.subs, id)
			r.snapMu.Unlock()
		})
	}
}

// Done is closed when Run returns.
func (r *Round) Done() <-chan struct{} { return r.done }

func (r *Round) command(ctx context.Context, cmd command) error {
	reply := make(chan error, 1)
	cmd = cmd.withReply(reply)
	if !r.post(ctx, cmd) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// post enqueues ev. It gives up when ctx ends or the loop has exited.
func (r *Round) post(ctx context.Context, ev any) bool {
	select {
	case r.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	}
}

func (r *Round) publish() {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	r.version++
	snap := r.build()
	snap.Version = r.version
	r.snap = snap
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (r *Round) build() Snapshot {
	tally := r.board.Tally()
	snap := Snapshot{
		RoundID:     r.roundID,
		State:       r.state,
		StageID:     r.stage.StageID,
		Score:       tally.Score,
		Lives:       tally.Lives,
		MaxLives:    tally.MaxLives,
		Spawned:     int(r.registry.Inserted()),
		Matched:     tally.Matched,
		Missed:      tally.Missed,
		Entities:    r.registry.ListLive(),
		LastHeard:   r.lastHeard,
		LastInterim: r.lastInterim,
		Hint:        r.hint,
		Result:      r.last,
	}
	if r.state == CountingDown {
		snap.Countdown = r.countdown
	}
	if r.state == Running || r.state == Over {
		snap.StartedAt = r.startedAt
	}
	if r.state == Over {
		snap.Elapsed = r.endedAt.Sub(r.startedAt).Seconds()
	}
	if r.state == Running {
		for name := range r.degraded {
			snap.Degraded = append(snap.Degraded, name)
		}
		slices.Sort(snap.Degraded)
	}
	return snap
}
