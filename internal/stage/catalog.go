package stage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Catalog is a SQLite-backed stage store.
type Catalog struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenCatalog opens or creates the catalog database at path.
func OpenCatalog(ctx context.Context, path string, log *slog.Logger) (*Catalog, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	c := &Catalog{db: db, log: log.With(slog.String("component", "stage-catalog"))}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS stages (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS stage_words (
    stage_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    word TEXT NOT NULL,
    PRIMARY KEY(stage_id, position),
    FOREIGN KEY(stage_id) REFERENCES stages(id) ON DELETE CASCADE
);
`
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init catalog schema: %w", err)
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put replaces a stage and its word pool.
func (c *Catalog) Put(ctx context.Context, s Stage) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO stages(id, name) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name`, s.ID, s.Name); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM stage_words WHERE stage_id = ?`, s.ID); err != nil {
		return err
	}
	for i, w := range s.Words {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO stage_words(stage_id, position, word) VALUES(?, ?, ?)`, s.ID, i, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ImportFile loads every stage of a YAML stage file into the catalog.
func (c *Catalog) ImportFile(ctx context.Context, path string) error {
	stages, err := readStageFile(path)
	if err != nil {
		return err
	}
	for _, s := range stages {
		if err := c.Put(ctx, s); err != nil {
			return fmt.Errorf("import stage %d: %w", s.ID, err)
		}
	}
	c.log.Info("stages imported", slog.String("path", path), slog.Int("count", len(stages)))
	return nil
}

func (c *Catalog) Stages(ctx context.Context) ([]Stage, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, name FROM stages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w: %w", ErrSourceUnavailable, err)
	}
	defer rows.Close()
	var out []Stage
	for rows.Next() {
		var s Stage
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, fmt.Errorf("scan stage: %w: %w", ErrSourceUnavailable, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stages: %w: %w", ErrSourceUnavailable, err)
	}
	return out, nil
}

func (c *Catalog) Words(ctx context.Context, stageID int) ([]string, error) {
	var exists int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM stages WHERE id = ?`, stageID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup stage: %w: %w", ErrSourceUnavailable, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("stage %d: %w", stageID, ErrUnknownStage)
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT word FROM stage_words WHERE stage_id = ? ORDER BY position`, stageID)
	if err != nil {
		return nil, fmt.Errorf("list words: %w: %w", ErrSourceUnavailable, err)
	}
	defer rows.Close()
	var words []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan word: %w: %w", ErrSourceUnavailable, err)
		}
		words = append(words, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list words: %w: %w", ErrSourceUnavailable, err)
	}
	return words, nil
}
