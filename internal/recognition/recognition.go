// Package recognition turns a speech-to-text provider into a continuous,
// normalized transcript stream for the round.
package recognition

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrCapabilityUnavailable reports that the host cannot provide speech
// recognition at all. Callers may continue without it.
var ErrCapabilityUnavailable = errors.New("speech recognition unavailable")

// Result is raw provider output, before normalization.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Transcript is a normalized recognized utterance.
type Transcript struct {
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Seq        uint64    `json:"seq"`
	Session    int       `json:"session"`
	Confidence float64   `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// Session is one provider stream. Results is closed when the stream ends,
// either naturally or after Close. Close must be safe to call more than once.
type Session interface {
	Results() <-chan Result
	Close() error
}

// Provider opens recognition sessions. Sessions are disposable; the adapter
// opens a new one whenever the previous ends while it is still active.
type Provider interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
