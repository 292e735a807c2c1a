package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Game.MaxLives != 5 || cfg.Game.CountdownFrom != 3 {
		t.Fatalf("unexpected game defaults %+v", cfg.Game)
	}
	if cfg.Game.SpawnInterval().Milliseconds() != 2500 {
		t.Fatalf("expected 2.5s spawn interval, got %s", cfg.Game.SpawnInterval())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORDFALL_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("WORDFALL_BUS_USERNAME", "alice")
	t.Setenv("WORDFALL_BUS_PASSWORD", "secret")
	t.Setenv("WORDFALL_BUS_TLS_INSECURE", "true")
	t.Setenv("WORDFALL_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("WORDFALL_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("WORDFALL_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("WORDFALL_EVENT_STORE_MAX_ROUNDS", "123")
	t.Setenv("WORDFALL_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("WORDFALL_GAME_MAX_LIVES", "3")
	t.Setenv("WORDFALL_GAME_FALL_DURATION_MS", "4000")
	t.Setenv("WORDFALL_GAME_HINT_THRESHOLD", "0.8")
	t.Setenv("WORDFALL_RECOGNITION_MODE", "exec")
	t.Setenv("WORDFALL_RECOGNITION_COMMAND", "./bin/stt --lang ko")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxRounds != 123 {
		t.Fatalf("expected event store max rounds override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Game.MaxLives != 3 || cfg.Game.FallDurationMS != 4000 {
		t.Fatalf("expected game overrides, got %+v", cfg.Game)
	}
	if cfg.Game.HintThreshold != 0.8 {
		t.Fatalf("expected hint threshold override, got %v", cfg.Game.HintThreshold)
	}
	if cfg.Recognition.Mode != "exec" || cfg.Recognition.Command != "./bin/stt --lang ko" {
		t.Fatalf("expected recognition overrides, got %+v", cfg.Recognition)
	}
}

func TestLoadYAMLAndTOML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "wordfall.yaml")
	yamlBody := "runtime_name: arcade\ngame:\n  max_lives: 7\n  spawn_interval_ms: 1000\n"
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.RuntimeName != "arcade" || cfg.Game.MaxLives != 7 || cfg.Game.SpawnIntervalMS != 1000 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Game.FallDurationMS != 7000 {
		t.Fatalf("expected untouched default fall duration, got %d", cfg.Game.FallDurationMS)
	}

	tomlPath := filepath.Join(dir, "wordfall.toml")
	tomlBody := "runtime_name = \"kiosk\"\n\n[capture]\nmode = \"none\"\n"
	if err := os.WriteFile(tomlPath, []byte(tomlBody), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	cfg, err = Load(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.RuntimeName != "kiosk" || cfg.Capture.Mode != "none" {
		t.Fatalf("toml values not applied: %+v", cfg)
	}
}

func TestValidateRejectsBadGame(t *testing.T) {
	t.Setenv("WORDFALL_GAME_MAX_LIVES", "0")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "max_lives") {
		t.Fatalf("expected max_lives validation error, got %v", err)
	}
}

func TestValidateRecognitionMode(t *testing.T) {
	t.Setenv("WORDFALL_RECOGNITION_MODE", "exec")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "recognition.command") {
		t.Fatalf("expected command validation error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
