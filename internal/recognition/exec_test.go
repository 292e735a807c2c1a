package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fixspeech/wordfall/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecProviderStreamsJSONLines(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "stt.sh")
	body := "#!/bin/sh\n" +
		"echo '{\"text\":\"사과\",\"final\":false}'\n" +
		"echo 'not json'\n" +
		"echo '{\"text\":\"사과\",\"final\":true,\"confidence\":0.9}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := config.Default().Recognition
	cfg.Command = "/bin/sh " + script
	p, err := NewExecProvider(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := p.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	var got []Result
	for r := range sess.Results() {
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %+v", got)
	}
	if got[0].Final || !got[1].Final || got[1].Confidence != 0.9 {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestExecProviderMissingBinary(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.Command = "wordfall-recognizer-that-does-not-exist --fast"
	p, err := NewExecProvider(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := p.Open(context.Background()); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestExecProviderRejectsEmptyCommand(t *testing.T) {
	cfg := config.Default().Recognition
	cfg.Command = "   "
	if _, err := NewExecProvider(cfg, discardLogger()); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
