// Package result delivers finished-round records to their consumers. Delivery
// is best effort: failures are reported to the caller for logging and never
// affect the round.
package result

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSubmissionFailed wraps every delivery failure.
var ErrSubmissionFailed = errors.New("result submission failed")

// Reasons a round ends.
const (
	ReasonLivesExhausted = "lives_exhausted"
	ReasonEnded          = "ended"
)

// Record is emitted once per round on entering Over.
type Record struct {
	RoundID         string    `json:"round_id"`
	StageID         int       `json:"stage_id"`
	PlaytimeSeconds int       `json:"playtime_seconds"`
	Score           int       `json:"score"`
	Spawned         int       `json:"spawned"`
	Matched         int       `json:"matched"`
	Missed          int       `json:"missed"`
	Reason          string    `json:"reason"`
	EndedAt         time.Time `json:"ended_at"`
}

// Sink consumes round results.
type Sink interface {
	Submit(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Submit(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Multi fans a record out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Submit(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Submit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func submissionError(target string, err error) error {
	return fmt.Errorf("%s: %w: %w", target, ErrSubmissionFailed, err)
}
