package controller

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/metrics"
	"github.com/JakeFAU/crawlctl/internal/throttle"
)

// Progress is one sample of the progress-statistics loop.
type Progress struct {
	State     crawl.State   `json:"-"`
	Documents int64         `json:"documents"`
	Bytes     int64         `json:"bytes"`
	Elapsed   time.Duration `json:"elapsed"`
	Active    int           `json:"active_workers"`
	Total     int           `json:"total_workers"`
	// DocsPerSec is measured over the active elapsed time.
	DocsPerSec float64 `json:"docs_per_sec"`
}

func (c *Controller) startBackgroundLocked() {
	if c.singleThread {
		p := &throttle.Permit{}
		if err := c.gate.Engage(c.runCtx, p); err == nil {
			c.gate.Release(p)
			metrics.SetSingleThreadMode(true)
		}
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.statsLoop(c.cfg.StatsInterval)
	}()
	if c.cfg.MemoryBudget == 0 {
		return
	}
	w := throttle.NewMemoryWatcher(throttle.WatcherConfig{
		Budget:   c.cfg.MemoryBudget,
		Interval: c.cfg.MemoryInterval,
		Logger:   c.logger.Named("memory"),
		OnEngage: func(uint64) {
			c.mu.Lock()
			c.singleThread = true
			c.mu.Unlock()
			metrics.SetSingleThreadMode(true)
		},
	}, c.gate, c.reserve)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		w.Run(c.runCtx)
	}()
}

func (c *Controller) statsLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.statsTick()
		}
	}
}

// statsTick logs one progress line and re-evaluates the crawl limits.
func (c *Controller) statsTick() {
	p := c.Progress()
	c.progress.Info("progress",
		zap.String("state", p.State.String()),
		zap.Int64("documents", p.Documents),
		zap.String("bytes", humanize.IBytes(uint64(max(p.Bytes, 0)))),
		zap.Duration("elapsed", p.Elapsed),
		zap.Float64("docs_per_sec", p.DocsPerSec),
		zap.Int("active_workers", p.Active),
		zap.Int("total_workers", p.Total),
		zap.String("workers", c.pool.Summary().String()),
	)
	metrics.SetWorkers(p.Active, p.Total)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.stateLocked() {
	case crawl.StateStarted, crawl.StateRunning:
		c.shouldContinueLocked()
	}
}

// Progress samples the crawl counters.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	elapsed := c.elapsedLocked()
	c.mu.Unlock()
	p := Progress{
		State:     c.State(),
		Documents: c.frontier.SucceededFetchCount(),
		Bytes:     c.frontier.TotalBytesWritten(),
		Elapsed:   elapsed,
		Active:    c.pool.ActiveCount(),
		Total:     c.pool.TotalCount(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.DocsPerSec = float64(p.Documents) / secs
	}
	return p
}
