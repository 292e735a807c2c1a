package result

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/fixspeech/wordfall/internal/bus"
	"github.com/fixspeech/wordfall/internal/protocol"
)

// BusSink publishes results on game.round.result. When JetStream is available
// the subject is backed by a stream so late subscribers can replay results.
type BusSink struct {
	bus     *bus.Client
	durable bool
}

func NewBusSink(client *bus.Client, log *slog.Logger) *BusSink {
	s := &BusSink{bus: client}
	if err := client.EnsureStream(protocol.StreamResults, protocol.SubjectRoundResult); err != nil {
		log.Warn("results stream unavailable, publishing without persistence", slog.String("error", err.Error()))
	} else {
		s.durable = true
	}
	return s
}

func (s *BusSink) Submit(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return submissionError("bus", err)
	}
	if s.durable {
		if _, err := s.bus.JetStream().Publish(protocol.SubjectRoundResult, payload, nats.Context(ctx)); err != nil {
			return submissionError("bus", err)
		}
		return nil
	}
	if err := s.bus.Conn().Publish(protocol.SubjectRoundResult, payload); err != nil {
		return submissionError("bus", err)
	}
	return nil
}
