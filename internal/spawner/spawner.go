// Package spawner emits falling words at a fixed cadence while a round runs.
package spawner

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/fixspeech/wordfall/internal/config"
	"github.com/fixspeech/wordfall/internal/entity"
	"github.com/fixspeech/wordfall/internal/textnorm"
)

// ErrEmptyPool is returned by Activate when there is nothing to draw from.
var ErrEmptyPool = errors.New("word pool is empty")

// EmitFunc receives each spawned entity. Implementations must return promptly
// once ctx is done so Deactivate can complete.
type EmitFunc func(ctx context.Context, e entity.Entity)

type Spawner struct {
	interval time.Duration
	fall     time.Duration
	clock    func() time.Time

	mu     sync.Mutex
	rnd    *rand.Rand
	nextID uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a spawner from the game configuration. A nil rnd uses a randomly
// seeded source.
func New(cfg config.GameConfig, rnd *rand.Rand) *Spawner {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Spawner{
		interval: cfg.SpawnInterval(),
		fall:     cfg.FallDuration(),
		clock:    time.Now,
		rnd:      rnd,
	}
}

// WithClock replaces the spawn timestamp source. Intended for tests.
func (s *Spawner) WithClock(clock func() time.Time) *Spawner {
	s.clock = clock
	return s
}

// Activate starts emitting one entity per interval, drawn uniformly from pool.
// Ids restart at 1. Calling Activate on an active spawner restarts it.
func (s *Spawner) Activate(ctx context.Context, pool []string, emit EmitFunc) error {
	words := usable(pool)
	if len(words) == 0 {
		return ErrEmptyPool
	}
	s.Deactivate()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.nextID = 0
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(runCtx, words, emit, done)
	return nil
}

// Deactivate stops emission. No emit call is in progress or will start once it
// returns; entities already emitted are untouched.
func (s *Spawner) Deactivate() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether the ticker loop is running.
func (s *Spawner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Next builds one entity from pool with a fresh id and a random horizontal
// start in [0,1).
func (s *Spawner) Next(pool []string) entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	display := pool[s.rnd.IntN(len(pool))]
	s.nextID++
	return entity.Entity{
		ID:           s.nextID,
		Text:         textnorm.Normalize(display),
		Display:      strings.TrimSpace(display),
		X:            s.rnd.Float64(),
		SpawnedAt:    s.clock(),
		FallDuration: s.fall,
	}
}

func (s *Spawner) loop(ctx context.Context, pool []string, emit EmitFunc, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The ticker and cancellation can be ready together.
			if ctx.Err() != nil {
				return
			}
			emit(ctx, s.Next(pool))
		}
	}
}

func usable(pool []string) []string {
	out := make([]string, 0, len(pool))
	for _, w := range pool {
		if textnorm.Normalize(w) != "" {
			out = append(out, w)
		}
	}
	return out
}
