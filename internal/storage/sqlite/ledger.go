// Package sqlite provides a single-file crawl ledger for hosts without a
// Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/crawlctl/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens (or creates) the SQLite database at path, applies PRAGMAs
// for WAL mode, and enforces a single writer connection.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Single writer prevents SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// RunMigrations applies all pending goose migrations from the embedded FS.
func RunMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Ledger records runs and checkpoints in SQLite.
type Ledger struct {
	db *sql.DB
}

// New opens the database at path, migrates it and returns a ledger.
func New(path string) (*Ledger, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// RecordRun upserts a run row. Fields left empty keep their stored values.
func (l *Ledger) RecordRun(ctx context.Context, run storage.Run) error {
	if run.CrawlID == "" {
		return errors.New("crawl id is required")
	}
	var ended any
	if run.EndedAt != nil {
		ended = run.EndedAt.UTC()
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO crawl_runs (crawl_id, started_at, ended_at, exit_class, documents, bytes)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (crawl_id) DO UPDATE SET
	ended_at = COALESCE(excluded.ended_at, crawl_runs.ended_at),
	exit_class = CASE WHEN excluded.exit_class = '' THEN crawl_runs.exit_class ELSE excluded.exit_class END,
	documents = excluded.documents,
	bytes = excluded.bytes`,
		run.CrawlID, run.StartedAt.UTC(), ended, run.Exit, run.Documents, run.Bytes)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.CrawlID, err)
	}
	return nil
}

// RecordCheckpoint inserts a checkpoint row, replacing an earlier attempt
// with the same name.
func (l *Ledger) RecordCheckpoint(ctx context.Context, row storage.CheckpointRow) error {
	if row.CrawlID == "" || row.Name == "" {
		return errors.New("crawl id and checkpoint name are required")
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO crawl_checkpoints (crawl_id, name, dir, status, started_at, elapsed_ms, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (crawl_id, name) DO UPDATE SET
	status = excluded.status,
	elapsed_ms = excluded.elapsed_ms,
	error = excluded.error`,
		row.CrawlID, row.Name, row.Dir, row.Status, row.StartedAt.UTC(), row.Elapsed.Milliseconds(), row.Error)
	if err != nil {
		return fmt.Errorf("record checkpoint %s: %w", row.Name, err)
	}
	return nil
}

// RunSummary is the subset of a run row read back for reporting.
type RunSummary struct {
	CrawlID   string
	Exit      string
	Documents int64
	Bytes     int64
	Ended     bool
}

// Run loads the stored summary for crawlID.
func (l *Ledger) Run(ctx context.Context, crawlID string) (RunSummary, error) {
	var (
		s     RunSummary
		ended sql.NullString
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT crawl_id, exit_class, documents, bytes, CAST(ended_at AS TEXT) FROM crawl_runs WHERE crawl_id = ?`,
		crawlID,
	).Scan(&s.CrawlID, &s.Exit, &s.Documents, &s.Bytes, &ended)
	if err != nil {
		return RunSummary{}, fmt.Errorf("load run %s: %w", crawlID, err)
	}
	s.Ended = ended.Valid
	return s, nil
}

// CheckpointStatuses returns name to status for every recorded checkpoint of crawlID.
func (l *Ledger) CheckpointStatuses(ctx context.Context, crawlID string) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT name, status FROM crawl_checkpoints WHERE crawl_id = ? ORDER BY name`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, status string
		if err := rows.Scan(&name, &status); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		out[name] = status
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

var _ storage.Ledger = (*Ledger)(nil)
