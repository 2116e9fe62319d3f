package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/crawl"
)

// Crawl is the slice of the controller the scheduler drives.
type Crawl interface {
	State() crawl.State
	RequestPause() error
	RequestResume() error
	RequestCheckpoint(ctx context.Context) (<-chan Record, error)
	AwaitState(ctx context.Context, states ...crawl.State) (crawl.State, error)
}

// Scheduler wraps robfig/cron and periodically pauses the crawl, takes a
// checkpoint and resumes it.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	entryID  cron.EntryID
	cronExpr string
	crawl    Crawl
	timeout  time.Duration
	logger   *zap.Logger
	running  sync.Mutex
}

// NewScheduler creates a stopped Scheduler. timeout bounds one
// pause-checkpoint-resume round.
func NewScheduler(c Crawl, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Scheduler{
		c:       cron.New(),
		crawl:   c,
		timeout: timeout,
		logger:  logger,
	}
}

// SetSchedule replaces the checkpoint job. expr accepts the standard cron
// syntax and descriptors such as "@every 30m".
func (s *Scheduler) SetSchedule(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.c.Remove(s.entryID)
	}
	id, err := s.c.AddFunc(expr, s.fire)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.entryID = id
	s.cronExpr = expr
	s.logger.Info("checkpoint schedule set", zap.String("cron", expr))
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for a running round to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the next scheduled time, or nil if no job is set.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current cron expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}

func (s *Scheduler) fire() {
	if !s.running.TryLock() {
		s.logger.Warn("scheduled checkpoint skipped; previous round still running")
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	rec, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("scheduled checkpoint skipped", zap.Error(err))
		return
	}
	s.logger.Info("scheduled checkpoint done", zap.String("checkpoint", rec.Name), zap.String("status", string(rec.Status)))
}

// RunOnce pauses a running crawl, checkpoints it and resumes it. A crawl
// that is already paused is checkpointed and left paused.
func (s *Scheduler) RunOnce(ctx context.Context) (Record, error) {
	resume := false
	switch st := s.crawl.State(); st {
	case crawl.StateRunning, crawl.StateStarted:
		if err := s.crawl.RequestPause(); err != nil {
			return Record{}, err
		}
		resume = true
	case crawl.StatePaused:
	default:
		return Record{}, crawl.TransitionError("scheduled checkpoint", st)
	}

	st, err := s.crawl.AwaitState(ctx, crawl.StatePaused, crawl.StateStopping, crawl.StateFinished)
	if err != nil {
		return Record{}, fmt.Errorf("wait for pause: %w", err)
	}
	if st != crawl.StatePaused {
		return Record{}, crawl.TransitionError("scheduled checkpoint", st)
	}
	done, err := s.crawl.RequestCheckpoint(ctx)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	select {
	case rec = <-done:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
	if resume {
		if err := s.crawl.RequestResume(); err != nil {
			return rec, fmt.Errorf("resume after checkpoint: %w", err)
		}
	}
	return rec, nil
}
