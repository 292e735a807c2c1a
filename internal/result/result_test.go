package result

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fixspeech/wordfall/internal/bus"
	"github.com/fixspeech/wordfall/internal/config"
	"github.com/fixspeech/wordfall/internal/eventstore"
	"github.com/fixspeech/wordfall/internal/natsserver"
	"github.com/fixspeech/wordfall/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRecord() Record {
	return Record{
		RoundID:         "round-1",
		StageID:         3,
		PlaytimeSeconds: 42,
		Score:           7,
		Spawned:         12,
		Matched:         7,
		Missed:          5,
		Reason:          ReasonLivesExhausted,
		EndedAt:         time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestHTTPSinkPostsBackendShape(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, "token", time.Second)
	if err := sink.Submit(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if auth != "Bearer token" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got["level"] != float64(3) || got["playtime"] != float64(42) || got["correctNumber"] != float64(7) {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestHTTPSinkReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	sink := NewHTTPSink(srv.URL, "", time.Second)
	if err := sink.Submit(context.Background(), sampleRecord()); !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	srv.Close()
	if err := sink.Submit(context.Background(), sampleRecord()); !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed after shutdown, got %v", err)
	}
}

func TestStoreSinkFeedsRanking(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().EventStore
	cfg.Path = filepath.Join(t.TempDir(), "wordfall.db")
	store, err := eventstore.Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := NewStoreSink(store).Submit(ctx, sampleRecord()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	top, err := store.TopResults(ctx, 3, 5)
	if err != nil || len(top) != 1 {
		t.Fatalf("expected one ranked result, got %v (%v)", top, err)
	}
	if top[0].Score != 7 || top[0].Reason != ReasonLivesExhausted {
		t.Fatalf("unexpected stored result %+v", top[0])
	}
}

func TestBusSinkPublishesResult(t *testing.T) {
	log := testLogger()
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRoundResult, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	sink := NewBusSink(client, log)
	if !sink.durable {
		t.Fatalf("expected results stream on embedded jetstream")
	}
	if err := sink.Submit(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case msg := <-msgs:
		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rec.RoundID != "round-1" || rec.Score != 7 {
			t.Fatalf("unexpected record %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("result not published")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	ok := SinkFunc(func(context.Context, Record) error { calls++; return nil })
	bad := SinkFunc(func(context.Context, Record) error {
		calls++
		return submissionError("fake", errors.New("down"))
	})
	err := Multi{ok, nil, bad, ok}.Submit(context.Background(), sampleRecord())
	if calls != 3 {
		t.Fatalf("expected every sink called, got %d", calls)
	}
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected joined submission error, got %v", err)
	}
	if err := (Multi{ok}).Submit(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
