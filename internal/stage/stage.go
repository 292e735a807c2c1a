// Package stage provides the word pools players pick from.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fixspeech/wordfall/internal/config"
)

var (
	// ErrSourceUnavailable wraps every failure to reach or read a source.
	ErrSourceUnavailable = errors.New("stage source unavailable")

	// ErrUnknownStage is returned by Words for a stage the source does not have.
	ErrUnknownStage = errors.New("unknown stage")
)

// Stage is one selectable level. Words is empty in listings that only carry
// ids and names.
type Stage struct {
	ID    int      `json:"id" yaml:"id"`
	Name  string   `json:"name,omitempty" yaml:"name"`
	Words []string `json:"words,omitempty" yaml:"words"`
}

// Source lists stages and fetches the word pool of one stage.
type Source interface {
	Stages(ctx context.Context) ([]Stage, error)
	Words(ctx context.Context, stageID int) ([]string, error)
}

// Open builds the source named by cfg.Source.
func Open(ctx context.Context, cfg config.StagesConfig, log *slog.Logger) (Source, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Source {
	case "file":
		return NewFileSource(cfg.Path), noop, nil
	case "sqlite":
		catalog, err := OpenCatalog(ctx, cfg.Path, log)
		if err != nil {
			return nil, noop, err
		}
		if cfg.SeedFile != "" {
			if err := catalog.ImportFile(ctx, cfg.SeedFile); err != nil {
				catalog.Close()
				return nil, noop, err
			}
		}
		return catalog, catalog.Close, nil
	case "http":
		timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
		return NewHTTPSource(cfg.Endpoint, cfg.Token, timeout), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown stage source %q", cfg.Source)
	}
}
