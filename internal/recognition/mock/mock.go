// Package mock provides test doubles for the recognition package interfaces.
//
// Provider hands out a fresh Session per Open call and keeps every one it
// opened, so a test can push results into the first session, end it, and then
// pick up the replacement the adapter opened.
//
// Example:
//
//	p := mock.NewProvider()
//	_ = adapter.Start(ctx, deliver)
//	s := p.WaitSession(t.Context(), 0)
//	s.Push(recognition.Result{Text: "사과", Final: true})
//	s.End()
package mock

import (
	"context"
	"sync"

	"github.com/fixspeech/wordfall/internal/recognition"
)

// Provider is a mock implementation of recognition.Provider.
type Provider struct {
	mu       sync.Mutex
	sessions []*Session
	opened   chan struct{}

	// OpenErr, if non-nil, is returned by every Open call.
	OpenErr error

	// FailOpens makes the next FailOpens calls to Open return FailErr.
	FailOpens int
	FailErr   error

	// OpenCalls counts every call to Open, including failed ones.
	OpenCalls int
}

func NewProvider() *Provider {
	return &Provider{opened: make(chan struct{}, 64)}
}

func (p *Provider) Name() string { return "mock" }

// Open records the call and returns a new Session unless an error is scripted.
func (p *Provider) Open(_ context.Context) (recognition.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls++
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.FailOpens > 0 {
		p.FailOpens--
		return nil, p.FailErr
	}
	s := NewSession(16)
	p.sessions = append(p.sessions, s)
	if p.opened != nil {
		select {
		case p.opened <- struct{}{}:
		default:
		}
	}
	return s, nil
}

// Sessions returns every session opened so far, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// WaitSession blocks until the i-th session (0-based) has been opened or ctx
// ends, in which case it returns nil.
func (p *Provider) WaitSession(ctx context.Context, i int) *Session {
	for {
		p.mu.Lock()
		if i < len(p.sessions) {
			s := p.sessions[i]
			p.mu.Unlock()
			return s
		}
		opened := p.opened
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-opened:
		}
	}
}

var _ recognition.Provider = (*Provider)(nil)

// Session is a mock implementation of recognition.Session. Results pushed
// before End are all delivered; End and Close both close the channel.
type Session struct {
	mu      sync.Mutex
	ch      chan recognition.Result
	ended   bool
	closeN  int
	closeCh chan struct{}
}

func NewSession(buffer int) *Session {
	return &Session{
		ch:      make(chan recognition.Result, buffer),
		closeCh: make(chan struct{}),
	}
}

// Push queues r for delivery. It reports false when the session already ended.
func (s *Session) Push(r recognition.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ch <- r
	return true
}

// End simulates the provider terminating the stream on its own.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end()
}

func (s *Session) Results() <-chan recognition.Result {
	return s.ch
}

// Close records the call and ends the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeN == 0 {
		close(s.closeCh)
	}
	s.closeN++
	s.end()
	return nil
}

// Closed is closed after the first Close call.
func (s *Session) Closed() <-chan struct{} {
	return s.closeCh
}

// CloseCallCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeN
}

func (s *Session) end() {
	if !s.ended {
		s.ended = true
		close(s.ch)
	}
}

var _ recognition.Session = (*Session)(nil)
