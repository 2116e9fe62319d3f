// Package postgres provides a Postgres-backed crawl ledger.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlctl/internal/storage"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN string
	// TablePrefix is prepended to the runs and checkpoints tables.
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Ledger writes crawl runs and checkpoint attempts into Postgres.
//
// Expected schema:
//
//	CREATE TABLE crawl_runs (
//		crawl_id text PRIMARY KEY, started_at timestamptz NOT NULL,
//		ended_at timestamptz, exit_class text, documents bigint, bytes bigint);
//	CREATE TABLE crawl_checkpoints (
//		crawl_id text NOT NULL, name text NOT NULL, dir text, status text,
//		started_at timestamptz, elapsed_ms bigint, error text,
//		PRIMARY KEY (crawl_id, name));
type Ledger struct {
	pool        execCloser
	runs        string
	checkpoints string
}

// New connects to Postgres and returns a ledger.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewLedgerWithPool(pool, cfg.TablePrefix)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(pool execCloser, prefix string) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "crawl"
	}
	if !validTablePrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &Ledger{
		pool:        pool,
		runs:        prefix + "_runs",
		checkpoints: prefix + "_checkpoints",
	}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() error {
	if l == nil || l.pool == nil {
		return nil
	}
	l.pool.Close()
	return nil
}

// RecordRun upserts a run row. Fields left empty keep their stored values.
func (l *Ledger) RecordRun(ctx context.Context, run storage.Run) error {
	if run.CrawlID == "" {
		return fmt.Errorf("crawl id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (crawl_id, started_at, ended_at, exit_class, documents, bytes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (crawl_id) DO UPDATE SET
	ended_at = COALESCE(EXCLUDED.ended_at, %[1]s.ended_at),
	exit_class = COALESCE(NULLIF(EXCLUDED.exit_class, ''), %[1]s.exit_class),
	documents = EXCLUDED.documents,
	bytes = EXCLUDED.bytes;`, l.runs)
	if _, err := l.pool.Exec(ctx, query,
		run.CrawlID,
		run.StartedAt,
		run.EndedAt,
		run.Exit,
		run.Documents,
		run.Bytes,
	); err != nil {
		return fmt.Errorf("record run %s: %w", run.CrawlID, err)
	}
	return nil
}

// RecordCheckpoint inserts a checkpoint row, replacing an earlier attempt
// with the same name.
func (l *Ledger) RecordCheckpoint(ctx context.Context, row storage.CheckpointRow) error {
	if row.CrawlID == "" || row.Name == "" {
		return fmt.Errorf("crawl id and checkpoint name are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (crawl_id, name, dir, status, started_at, elapsed_ms, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (crawl_id, name) DO UPDATE SET
	status = EXCLUDED.status,
	elapsed_ms = EXCLUDED.elapsed_ms,
	error = EXCLUDED.error;`, l.checkpoints)
	if _, err := l.pool.Exec(ctx, query,
		row.CrawlID,
		row.Name,
		row.Dir,
		row.Status,
		row.StartedAt,
		row.Elapsed.Milliseconds(),
		row.Error,
	); err != nil {
		return fmt.Errorf("record checkpoint %s: %w", row.Name, err)
	}
	return nil
}

var _ storage.Ledger = (*Ledger)(nil)
