package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fixspeech/wordfall/internal/bus"
	"github.com/fixspeech/wordfall/internal/protocol"
)

// BusProvider listens to transcripts published on the bus by an external
// speech-to-text service. Each session lasts at most ttl, after which it ends on
// its own the way hosted recognizers drop long-running streams.
type BusProvider struct {
	bus    *bus.Client
	ttl    time.Duration
	buffer int
	log    *slog.Logger
}

func NewBusProvider(client *bus.Client, ttl time.Duration, buffer int, log *slog.Logger) *BusProvider {
	if buffer <= 0 {
		buffer = 32
	}
	return &BusProvider{
		bus:    client,
		ttl:    ttl,
		buffer: buffer,
		log:    log.With(slog.String("component", "recognition.bus")),
	}
}

func (p *BusProvider) Name() string { return "bus" }

func (p *BusProvider) Open(ctx context.Context) (Session, error) {
	if !p.bus.Healthy() {
		return nil, fmt.Errorf("bus not connected: %w", ErrCapabilityUnavailable)
	}
	s := &busSession{
		results: make(chan Result, p.buffer),
		log:     p.log,
	}
	conn := p.bus.Conn()
	partial, err := conn.Subscribe(protocol.SubjectTranscriptPartial, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe partial transcripts: %w", err)
	}
	final, err := conn.Subscribe(protocol.SubjectTranscriptFinal, s.handle)
	if err != nil {
		_ = partial.Unsubscribe()
		return nil, fmt.Errorf("subscribe final transcripts: %w", err)
	}
	s.subs = []*nats.Subscription{partial, final}

	sessCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.expire(sessCtx, p.ttl)
	return s, nil
}

type busSession struct {
	mu      sync.Mutex
	results chan Result
	subs    []*nats.Subscription
	closed  bool
	cancel  context.CancelFunc
	log     *slog.Logger
}

func (s *busSession) Results() <-chan Result { return s.results }

func (s *busSession) Close() error {
	s.end()
	return nil
}

func (s *busSession) handle(msg *nats.Msg) {
	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		s.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	final := msg.Subject == protocol.SubjectTranscriptFinal && !t.Partial

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.results <- Result{Text: t.Text, Final: final, Confidence: t.Confidence}:
	default:
		s.log.Warn("transcript buffer full, dropping", slog.Bool("final", final))
	}
}

// expire ends the session after ttl or when the context is cancelled.
func (s *busSession) expire(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		<-ctx.Done()
		s.end()
		return
	}
	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		s.log.Debug("recognition session expired", slog.Duration("ttl", ttl))
	}
	s.end()
}

func (s *busSession) end() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	close(s.results)
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
}
