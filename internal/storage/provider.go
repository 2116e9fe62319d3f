// Package storage defines the persistence interfaces used around the crawl
// engine: a ledger of crawl runs and checkpoints, and a blob store that
// checkpoint directories can be mirrored to. Implementations live in the
// sub-packages (memory, local, gcs, postgres, sqlite).
package storage

import (
	"context"
	"io"
	"time"
)

// Run is one crawl run as recorded in the ledger.
type Run struct {
	CrawlID   string
	StartedAt time.Time
	EndedAt   *time.Time
	Exit      string
	Documents int64
	Bytes     int64
}

// CheckpointRow is one checkpoint attempt as recorded in the ledger.
type CheckpointRow struct {
	CrawlID   string
	Name      string
	Dir       string
	Status    string
	StartedAt time.Time
	Elapsed   time.Duration
	Error     string
}

// Ledger records crawl runs and checkpoint attempts.
type Ledger interface {
	// RecordRun inserts or updates the run identified by run.CrawlID.
	RecordRun(ctx context.Context, run Run) error
	// RecordCheckpoint appends a checkpoint attempt.
	RecordCheckpoint(ctx context.Context, row CheckpointRow) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// NoOpLedger discards everything. It is the default when no ledger is configured.
type NoOpLedger struct{}

// RecordRun implements Ledger.
func (NoOpLedger) RecordRun(context.Context, Run) error { return nil }

// RecordCheckpoint implements Ledger.
func (NoOpLedger) RecordCheckpoint(context.Context, CheckpointRow) error { return nil }

// Close implements Ledger.
func (NoOpLedger) Close() error { return nil }
