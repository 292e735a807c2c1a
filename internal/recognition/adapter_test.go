package recognition_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fixspeech/wordfall/internal/recognition"
	"github.com/fixspeech/wordfall/internal/recognition/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAdapter(p recognition.Provider, cfg recognition.AdapterConfig) *recognition.Adapter {
	cfg.Provider = p
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	return recognition.NewAdapter(cfg, testLogger())
}

func collect(t *testing.T, ch <-chan recognition.Transcript, n int) []recognition.Transcript {
	t.Helper()
	out := make([]recognition.Transcript, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case tr := <-ch:
			out = append(out, tr)
		case <-timeout:
			t.Fatalf("expected %d transcripts, got %d: %+v", n, len(out), out)
		}
	}
	return out
}

func TestAdapterRestartsWithoutLossOrDuplication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := mock.NewProvider()
	restarted := make(chan int, 4)
	a := newAdapter(p, recognition.AdapterConfig{
		OnRestart: func(session int) { restarted <- session },
	})
	got := make(chan recognition.Transcript, 16)
	if err := a.Start(ctx, func(tr recognition.Transcript) { got <- tr }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop()

	first := p.WaitSession(ctx, 0)
	first.Push(recognition.Result{Text: " 사 과 ", Final: true})
	first.Push(recognition.Result{Text: "   "})
	first.Push(recognition.Result{Text: "바나", Final: false})
	first.Push(recognition.Result{Text: "바나나", Final: true})
	first.End()

	second := p.WaitSession(ctx, 1)
	if second == nil {
		t.Fatalf("adapter did not reopen a session")
	}
	second.Push(recognition.Result{Text: "포도", Final: true})

	all := collect(t, got, 4)
	wantText := []string{"사과", "바나", "바나나", "포도"}
	wantSession := []int{1, 1, 1, 2}
	for i, tr := range all {
		if tr.Text != wantText[i] {
			t.Fatalf("transcript %d: expected %q, got %q", i, wantText[i], tr.Text)
		}
		if tr.Seq != uint64(i+1) {
			t.Fatalf("transcript %d: expected seq %d, got %d", i, i+1, tr.Seq)
		}
		if tr.Session != wantSession[i] {
			t.Fatalf("transcript %d: expected session %d, got %d", i, wantSession[i], tr.Session)
		}
	}
	if all[1].IsFinal || !all[2].IsFinal {
		t.Fatalf("final flags not preserved: %+v", all)
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected duplicate transcript %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
	select {
	case s := <-restarted:
		if s != 2 {
			t.Fatalf("expected restart into session 2, got %d", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("restart callback not called")
	}
	if a.Restarts() != 1 {
		t.Fatalf("expected 1 restart, got %d", a.Restarts())
	}
}

func TestAdapterStopSuppressesRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := mock.NewProvider()
	a := newAdapter(p, recognition.AdapterConfig{})
	if err := a.Start(ctx, func(recognition.Transcript) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := p.WaitSession(ctx, 0)

	a.Stop()
	if a.Active() {
		t.Fatalf("adapter still active after stop")
	}
	a.Wait()

	select {
	case <-sess.Closed():
	default:
		t.Fatalf("session not closed after stop")
	}
	if p.OpenCalls != 1 {
		t.Fatalf("expected no reopen after stop, got %d opens", p.OpenCalls)
	}
	// Stop is idempotent.
	a.Stop()
}

func TestAdapterDropsResultsAfterStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := mock.NewProvider()
	a := newAdapter(p, recognition.AdapterConfig{})
	got := make(chan recognition.Transcript, 4)
	if err := a.Start(ctx, func(tr recognition.Transcript) { got <- tr }); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := p.WaitSession(ctx, 0)
	a.Stop()
	a.Wait()
	sess.Push(recognition.Result{Text: "late", Final: true})

	select {
	case tr := <-got:
		t.Fatalf("transcript delivered after stop: %+v", tr)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAdapterStartUnavailable(t *testing.T) {
	p := mock.NewProvider()
	p.OpenErr = fmt.Errorf("no microphone permission: %w", recognition.ErrCapabilityUnavailable)
	a := newAdapter(p, recognition.AdapterConfig{})

	err := a.Start(context.Background(), func(recognition.Transcript) {})
	if !errors.Is(err, recognition.ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
	if a.Active() {
		t.Fatalf("adapter must not be active after failed start")
	}

	bare := recognition.NewAdapter(recognition.AdapterConfig{}, testLogger())
	if err := bare.Start(context.Background(), func(recognition.Transcript) {}); !errors.Is(err, recognition.ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable without provider, got %v", err)
	}
}

func TestAdapterRetriesFailedReopen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := mock.NewProvider()
	a := newAdapter(p, recognition.AdapterConfig{})
	if err := a.Start(ctx, func(recognition.Transcript) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop()

	first := p.WaitSession(ctx, 0)
	p.FailOpens = 2
	p.FailErr = errors.New("provider busy")
	first.End()

	if p.WaitSession(ctx, 1) == nil {
		t.Fatalf("adapter gave up on transient failures")
	}
	if !a.Active() {
		t.Fatalf("adapter should stay active")
	}
}

func TestAdapterReportsPermanentFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := mock.NewProvider()
	failed := make(chan error, 1)
	a := newAdapter(p, recognition.AdapterConfig{
		OnFailure: func(err error) { failed <- err },
	})
	if err := a.Start(ctx, func(recognition.Transcript) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := p.WaitSession(ctx, 0)
	p.OpenErr = recognition.ErrCapabilityUnavailable
	first.End()

	select {
	case err := <-failed:
		if !errors.Is(err, recognition.ErrCapabilityUnavailable) {
			t.Fatalf("unexpected failure %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("failure not reported")
	}
	if a.Active() {
		t.Fatalf("adapter should be inactive after giving up")
	}
}

func TestAdapterRejectsDoubleStart(t *testing.T) {
	p := mock.NewProvider()
	a := newAdapter(p, recognition.AdapterConfig{})
	if err := a.Start(context.Background(), func(recognition.Transcript) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Stop()
	if err := a.Start(context.Background(), func(recognition.Transcript) {}); !errors.Is(err, recognition.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}
