package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fixspeech/wordfall/internal/config"
)

// Event is one entry of a round timeline.
type Event struct {
	ID        int64
	RoundID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Result is a finished round as stored for rankings.
type Result struct {
	RoundID         string
	StageID         int
	PlaytimeSeconds int
	Score           int
	Spawned         int
	Matched         int
	Missed          int
	Reason          string
	EndedAt         time.Time
}

// Store wraps a SQLite database holding round timelines and results.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

// Timestamps are stored as unix milliseconds so range deletes compare numbers.
func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS rounds (
    round_id TEXT PRIMARY KEY,
    stage_id INTEGER NOT NULL,
    started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    round_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(round_id) REFERENCES rounds(round_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_round_created ON events(round_id, created_at);
CREATE TABLE IF NOT EXISTS results (
    round_id TEXT PRIMARY KEY,
    stage_id INTEGER NOT NULL,
    playtime_seconds INTEGER NOT NULL,
    score INTEGER NOT NULL,
    spawned INTEGER NOT NULL,
    matched INTEGER NOT NULL,
    missed INTEGER NOT NULL,
    reason TEXT NOT NULL,
    ended_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_stage_score ON results(stage_id, score DESC, playtime_seconds DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendRound ensures a round row exists.
func (s *Store) AppendRound(ctx context.Context, roundID string, stageID int) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rounds(round_id, stage_id, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(round_id) DO UPDATE SET stage_id=excluded.stage_id`,
		roundID, stageID, s.clock().UnixMilli())
	return err
}

// AppendEvent writes an event into the store. The round row must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(round_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.RoundID, evt.Type, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// ListRoundEvents retrieves up to limit events for a round in insertion order.
func (s *Store) ListRoundEvents(ctx context.Context, roundID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, event_type, payload, created_at
		 FROM events WHERE round_id = ? ORDER BY id ASC LIMIT ?`, roundID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.RoundID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveResult records a finished round. Saving the same round twice keeps the
// first result.
func (s *Store) SaveResult(ctx context.Context, r Result) error {
	if s.disabled() {
		return nil
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(round_id, stage_id, playtime_seconds, score, spawned, matched, missed, reason, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(round_id) DO NOTHING`,
		r.RoundID, r.StageID, r.PlaytimeSeconds, r.Score, r.Spawned, r.Matched, r.Missed, r.Reason, r.EndedAt.UnixMilli())
	return err
}

// TopResults ranks results of a stage by score, then by playtime.
func (s *Store) TopResults(ctx context.Context, stageID, limit int) ([]Result, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT round_id, stage_id, playtime_seconds, score, spawned, matched, missed, reason, ended_at
		 FROM results WHERE stage_id = ?
		 ORDER BY score DESC, playtime_seconds DESC, ended_at ASC LIMIT ?`, stageID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var ended int64
		if err := rows.Scan(&r.RoundID, &r.StageID, &r.PlaytimeSeconds, &r.Score, &r.Spawned, &r.Matched, &r.Missed, &r.Reason, &ended); err != nil {
			return nil, err
		}
		r.EndedAt = time.UnixMilli(ended).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM rounds WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRounds > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM rounds WHERE round_id IN (
			SELECT round_id FROM rounds ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRounds)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
