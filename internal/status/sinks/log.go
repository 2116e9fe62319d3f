package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/status"
)

// LogSink writes one structured line per lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the listener interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// OnCrawlEvent implements status.Listener.
func (s *LogSink) OnCrawlEvent(_ context.Context, evt status.Event) {
	fields := []zap.Field{
		zap.String("crawl_id", evt.CrawlID),
		zap.String("kind", string(evt.Kind)),
		zap.Stringer("state", evt.State),
		zap.Int64("documents", evt.Totals.Documents),
		zap.Int64("bytes", evt.Totals.Bytes),
	}
	if evt.Exit != "" {
		fields = append(fields, zap.String("exit", string(evt.Exit)))
	}
	if cp := evt.Checkpoint; cp != nil {
		fields = append(fields,
			zap.String("checkpoint", cp.Name),
			zap.String("checkpoint_status", cp.Status),
			zap.Duration("checkpoint_elapsed", cp.Elapsed),
		)
		if cp.Error != "" {
			s.logger.Warn("crawl event", append(fields, zap.String("error", cp.Error))...)
			return
		}
	}
	s.logger.Info("crawl event", fields...)
}
