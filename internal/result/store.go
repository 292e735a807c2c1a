package result

import (
	"context"

	"github.com/fixspeech/wordfall/internal/eventstore"
)

// StoreSink saves results in the event store for rankings.
type StoreSink struct {
	store *eventstore.Store
}

func NewStoreSink(store *eventstore.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Submit(ctx context.Context, rec Record) error {
	err := s.store.SaveResult(ctx, eventstore.Result{
		RoundID:         rec.RoundID,
		StageID:         rec.StageID,
		PlaytimeSeconds: rec.PlaytimeSeconds,
		Score:           rec.Score,
		Spawned:         rec.Spawned,
		Matched:         rec.Matched,
		Missed:          rec.Missed,
		Reason:          rec.Reason,
		EndedAt:         rec.EndedAt,
	})
	if err != nil {
		return submissionError("event store", err)
	}
	return nil
}
