package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Journal writes round timelines in the background so callers on the hot path
// never wait on disk. Entries are dropped, and counted, when the queue is full.
type Journal struct {
	store *Store
	log   *slog.Logger
	clock func() time.Time

	mu      sync.Mutex
	queue   chan journalEntry
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	written atomic.Int64
}

type journalEntry struct {
	roundID  string
	stageID  int
	newRound bool
	event    Event
}

func NewJournal(store *Store, size int, log *slog.Logger) *Journal {
	if size <= 0 {
		size = 256
	}
	return &Journal{
		store: store,
		log:   log.With(slog.String("component", "journal")),
		clock: time.Now,
		queue: make(chan journalEntry, size),
	}
}

// Start runs the writer until Close.
func (j *Journal) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for entry := range j.queue {
			j.write(ctx, entry)
		}
	}()
}

// Close stops accepting entries and waits for queued ones to be written.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()
}

// BeginRound records the start of a round.
func (j *Journal) BeginRound(roundID string, stageID int) {
	j.enqueue(journalEntry{roundID: roundID, stageID: stageID, newRound: true})
}

// Record appends a typed event with a JSON payload to a round timeline.
func (j *Journal) Record(roundID, eventType string, payload any) {
	if j == nil {
		return
	}
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			j.log.Warn("journal payload not encodable", slog.String("type", eventType), slog.String("error", err.Error()))
			return
		}
	}
	j.enqueue(journalEntry{roundID: roundID, event: Event{
		RoundID:   roundID,
		Type:      eventType,
		Payload:   data,
		CreatedAt: j.clock(),
	}})
}

// Dropped counts entries discarded because the queue was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written counts entries persisted.
func (j *Journal) Written() int64 { return j.written.Load() }

func (j *Journal) enqueue(entry journalEntry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- entry:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) write(ctx context.Context, entry journalEntry) {
	var err error
	if entry.newRound {
		err = j.store.AppendRound(ctx, entry.roundID, entry.stageID)
	} else {
		err = j.store.AppendEvent(ctx, entry.event)
	}
	if err != nil {
		j.log.Warn("journal write failed", slog.String("round_id", entry.roundID), slog.String("error", err.Error()))
		return
	}
	j.written.Add(1)
}
