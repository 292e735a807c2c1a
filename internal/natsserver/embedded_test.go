package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/fixspeech/wordfall/internal/config"
)

func TestStartSkipsExternalBus(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Embedded = false
	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected no embedded server, got %v %v", srv, err)
	}
	// Shutdown on a nil server is a no-op.
	srv.Shutdown()
}

func TestStartEmbedded(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()
	if srv.ClientURL() == "" {
		t.Fatalf("expected client url")
	}
}
