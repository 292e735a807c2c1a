package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fixspeech/wordfall/internal/textnorm"
)

// Default restart parameters.
const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultGiveUpAfter    = 2 * time.Minute
)

var (
	// ErrAlreadyActive is returned by Start on an adapter that has not been stopped.
	ErrAlreadyActive = errors.New("recognition adapter already active")

	errStopped = errors.New("recognition adapter stopped")
)

// DeliverFunc receives every normalized transcript exactly once.
type DeliverFunc func(Transcript)

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// Provider opens the underlying sessions.
	Provider Provider

	// InitialBackoff is the first delay between failed reopen attempts.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between reopen attempts.
	MaxBackoff time.Duration

	// GiveUpAfter bounds how long the adapter keeps trying to reopen a session
	// before reporting failure through OnFailure.
	GiveUpAfter time.Duration

	// OnRestart is called after a replacement session opened. May be nil.
	OnRestart func(session int)

	// OnFailure is called once when the adapter stops trying. May be nil.
	OnFailure func(error)

	// Clock stamps transcripts. Defaults to time.Now.
	Clock func() time.Time
}

// Adapter supervises provider sessions while logically active. A session that
// ends on its own is drained to completion and replaced; Stop suppresses the
// replacement.
type Adapter struct {
	cfg AdapterConfig
	log *slog.Logger

	mu       sync.Mutex
	active   bool
	gen      uint64
	cancel   context.CancelFunc
	session  int
	seq      uint64
	restarts int
	done     chan struct{}
}

func NewAdapter(cfg AdapterConfig, log *slog.Logger) *Adapter {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.GiveUpAfter <= 0 {
		cfg.GiveUpAfter = defaultGiveUpAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	name := "none"
	if cfg.Provider != nil {
		name = cfg.Provider.Name()
	}
	return &Adapter{
		cfg: cfg,
		log: log.With(slog.String("component", "recognition"), slog.String("provider", name)),
	}
}

// Start opens the first session synchronously and begins supervising it.
// A provider that cannot serve the host yields ErrCapabilityUnavailable.
func (a *Adapter) Start(ctx context.Context, deliver DeliverFunc) error {
	if a.cfg.Provider == nil {
		return ErrCapabilityUnavailable
	}
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return ErrAlreadyActive
	}
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	sess, err := a.cfg.Provider.Open(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("open %s session: %w", a.cfg.Provider.Name(), err)
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.active = true
	a.cancel = cancel
	a.session = 1
	a.done = done
	a.mu.Unlock()

	a.log.Info("recognition started")
	go a.supervise(runCtx, gen, sess, deliver, done)
	return nil
}

// Stop marks the adapter inactive and closes the current session. It does not
// wait for the session to wind down; use Wait for that.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	cancel()
	a.log.Info("recognition stopped")
}

// Wait blocks until the supervisor of the most recent Start has exited.
func (a *Adapter) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Restarts counts replacement sessions opened over the adapter's lifetime.
func (a *Adapter) Restarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restarts
}

func (a *Adapter) supervise(ctx context.Context, gen uint64, sess Session, deliver DeliverFunc, done chan struct{}) {
	defer close(done)
	for {
		a.drain(ctx, gen, sess, deliver)
		if err := sess.Close(); err != nil {
			a.log.Debug("session close failed", slogError(err))
		}
		if !a.current(gen) || ctx.Err() != nil {
			return
		}

		a.log.Info("recognition session ended, restarting")
		next, err := a.reopen(ctx, gen)
		if err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return
			}
			a.log.Error("recognition restart abandoned", slogError(err))
			a.fail(gen, err)
			return
		}

		a.mu.Lock()
		if a.gen != gen || !a.active {
			a.mu.Unlock()
			_ = next.Close()
			return
		}
		a.session++
		a.restarts++
		ordinal := a.session
		a.mu.Unlock()

		if a.cfg.OnRestart != nil {
			a.cfg.OnRestart(ordinal)
		}
		sess = next
	}
}

func (a *Adapter) reopen(ctx context.Context, gen uint64) (Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	b.MaxInterval = a.cfg.MaxBackoff

	return backoff.Retry(ctx, func() (Session, error) {
		if !a.current(gen) {
			return nil, backoff.Permanent(errStopped)
		}
		sess, err := a.cfg.Provider.Open(ctx)
		if errors.Is(err, ErrCapabilityUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return sess, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(a.cfg.GiveUpAfter),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.log.Warn("recognition reopen failed", slogError(err), slog.Duration("retry_in", wait))
		}),
	)
}

// drain forwards every result of sess until its channel closes or the run
// context ends.
func (a *Adapter) drain(ctx context.Context, gen uint64, sess Session, deliver DeliverFunc) {
	results := sess.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			a.forward(gen, r, deliver)
		}
	}
}

func (a *Adapter) forward(gen uint64, r Result, deliver DeliverFunc) {
	text := textnorm.Normalize(r.Text)
	if text == "" {
		return
	}
	a.mu.Lock()
	if a.gen != gen || !a.active {
		a.mu.Unlock()
		return
	}
	a.seq++
	t := Transcript{
		Text:       text,
		IsFinal:    r.Final,
		Seq:        a.seq,
		Session:    a.session,
		Confidence: r.Confidence,
		At:         a.cfg.Clock(),
	}
	a.mu.Unlock()
	deliver(t)
}

func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active && a.gen == gen
}

func (a *Adapter) fail(gen uint64, err error) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.active = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if a.cfg.OnFailure != nil {
		a.cfg.OnFailure(err)
	}
}
