package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/storage"
)

// LedgerSink records run start and end and every finished checkpoint in a
// storage.Ledger.
type LedgerSink struct {
	ledger storage.Ledger
	logger *zap.Logger

	mu      sync.Mutex
	started map[string]storage.Run
}

// NewLedgerSink wraps ledger.
func NewLedgerSink(ledger storage.Ledger, logger *zap.Logger) *LedgerSink {
	if ledger == nil {
		ledger = storage.NoOpLedger{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{ledger: ledger, logger: logger, started: make(map[string]storage.Run)}
}

// OnCrawlEvent implements status.Listener.
func (s *LedgerSink) OnCrawlEvent(ctx context.Context, evt status.Event) {
	switch evt.Kind {
	case status.KindStarted:
		run := storage.Run{CrawlID: evt.CrawlID, StartedAt: evt.TS}
		s.mu.Lock()
		s.started[evt.CrawlID] = run
		s.mu.Unlock()
		s.record(ctx, run)
	case status.KindEnded:
		s.mu.Lock()
		run, ok := s.started[evt.CrawlID]
		delete(s.started, evt.CrawlID)
		s.mu.Unlock()
		if !ok {
			run = storage.Run{CrawlID: evt.CrawlID, StartedAt: evt.TS}
		}
		ended := evt.TS
		run.EndedAt = &ended
		run.Exit = string(evt.Exit)
		run.Documents = evt.Totals.Documents
		run.Bytes = evt.Totals.Bytes
		s.record(ctx, run)
	case status.KindCheckpointEnd:
		cp := evt.Checkpoint
		if cp == nil {
			return
		}
		row := storage.CheckpointRow{
			CrawlID:   evt.CrawlID,
			Name:      cp.Name,
			Dir:       cp.Dir,
			Status:    cp.Status,
			StartedAt: evt.TS.Add(-cp.Elapsed),
			Elapsed:   cp.Elapsed,
			Error:     cp.Error,
		}
		if err := s.ledger.RecordCheckpoint(ctx, row); err != nil {
			s.logger.Warn("ledger checkpoint write failed", zap.String("checkpoint", cp.Name), zap.Error(err))
		}
	}
}

func (s *LedgerSink) record(ctx context.Context, run storage.Run) {
	if err := s.ledger.RecordRun(ctx, run); err != nil {
		s.logger.Warn("ledger run write failed", zap.String("crawl_id", run.CrawlID), zap.Error(err))
	}
}
