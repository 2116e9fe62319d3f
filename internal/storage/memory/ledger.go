package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/crawlctl/internal/storage"
)

// Ledger keeps runs and checkpoint rows in memory.
type Ledger struct {
	mu          sync.RWMutex
	runs        map[string]storage.Run
	checkpoints []storage.CheckpointRow
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{runs: make(map[string]storage.Run)}
}

// RecordRun upserts a run. Zero fields in run keep the stored values.
func (l *Ledger) RecordRun(_ context.Context, run storage.Run) error {
	if run.CrawlID == "" {
		return errors.New("crawl id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.runs[run.CrawlID]
	if ok {
		if run.StartedAt.IsZero() {
			run.StartedAt = prev.StartedAt
		}
		if run.EndedAt == nil {
			run.EndedAt = prev.EndedAt
		}
		if run.Exit == "" {
			run.Exit = prev.Exit
		}
	}
	l.runs[run.CrawlID] = run
	return nil
}

// RecordCheckpoint appends a checkpoint row.
func (l *Ledger) RecordCheckpoint(_ context.Context, row storage.CheckpointRow) error {
	if row.CrawlID == "" || row.Name == "" {
		return errors.New("crawl id and checkpoint name are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints = append(l.checkpoints, row)
	return nil
}

// Run returns the stored run.
func (l *Ledger) Run(crawlID string) (storage.Run, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.runs[crawlID]
	return r, ok
}

// Checkpoints returns a copy of all checkpoint rows.
func (l *Ledger) Checkpoints() []storage.CheckpointRow {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]storage.CheckpointRow(nil), l.checkpoints...)
}

// Close implements storage.Ledger.
func (l *Ledger) Close() error { return nil }
