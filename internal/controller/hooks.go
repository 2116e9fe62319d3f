package controller

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/metrics"
	"github.com/JakeFAU/crawlctl/internal/pool"
	"github.com/JakeFAU/crawlctl/internal/status"
)

var _ pool.Hooks = (*Controller)(nil)

// ItemStarted implements pool.Hooks. The first item picked up after start
// moves the crawl to Running.
func (c *Controller) ItemStarted(int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked() == crawl.StateStarted {
		c.transitionLocked(crawl.StateRunning, status.KindRunning)
	}
}

// ItemFinished implements pool.Hooks. The active count passed in can be
// stale by the time c.mu is held, so pause completion reads the pool's
// current count instead.
func (c *Controller) ItemFinished(item *crawl.WorkItem, _ int) {
	metrics.ObserveItem(itemOutcome(item))
	if item.Fault != nil && item.Fault.Kind == crawl.FaultSerious {
		c.logger.Error("serious error processing item",
			zap.String("uri", item.URI),
			zap.String("step", item.Fault.Step),
			zap.String("error", item.Fault.Message),
		)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.stateLocked() {
	case crawl.StatePausing:
		if c.pool.ActiveCount() == 0 {
			c.completePauseLocked()
		}
	case crawl.StateRunning, crawl.StateStarted:
		c.shouldContinueLocked()
	}
}

// WorkerEnded implements pool.Hooks. The last worker to end while
// stopping finishes the crawl.
func (c *Controller) WorkerEnded(serial int, alive int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateLocked() == crawl.StateStopping && alive == 0 {
		c.logger.Info("last worker ended", zap.Int("serial", serial))
		c.finishLocked()
	}
}

// shouldContinueLocked stops the crawl when the frontier is exhausted or a
// configured limit is reached. It reports whether the crawl goes on.
func (c *Controller) shouldContinueLocked() bool {
	exit, ok := c.limitReachedLocked()
	if !ok {
		return true
	}
	c.logger.Info("crawl limit reached", zap.String("exit", string(exit)))
	c.requestStopLocked(exit)
	return false
}

func (c *Controller) limitReachedLocked() (crawl.ExitClass, bool) {
	lim := c.cfg.Limits
	switch {
	case c.frontier.IsEmpty():
		return crawl.ExitFinished, true
	case lim.MaxBytes > 0 && c.frontier.TotalBytesWritten() >= lim.MaxBytes:
		return crawl.ExitDataLimit, true
	case lim.MaxDocuments > 0 && c.frontier.SucceededFetchCount() >= lim.MaxDocuments:
		return crawl.ExitDocLimit, true
	case lim.MaxTime > 0 && c.elapsedLocked() >= lim.MaxTime:
		return crawl.ExitTimeLimit, true
	}
	return "", false
}

func itemOutcome(item *crawl.WorkItem) string {
	switch {
	case item.Fault != nil:
		return string(item.Fault.Kind)
	case item.Succeeded():
		return "succeeded"
	default:
		return "failed"
	}
}
