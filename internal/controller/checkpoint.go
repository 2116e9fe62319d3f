package controller

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/checkpoint"
	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/status"
)

// RequestCheckpoint starts a checkpoint of a paused crawl. The protocol
// runs on its own goroutine; the returned channel yields the record once
// the crawl is back to Paused. A failed checkpoint is reported on the
// record, never as a crawl failure.
func (c *Controller) RequestCheckpoint(ctx context.Context) (<-chan checkpoint.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.stateLocked(); st != crawl.StatePaused {
		return nil, crawl.TransitionError("checkpoint", st)
	}
	if n := c.pool.ReturnParked(); n > 0 {
		c.logger.Debug("parked items returned before checkpoint", zap.Int("items", n))
	}
	if active := c.pool.ActiveCount(); active != 0 {
		return nil, fmt.Errorf("%w: checkpoint with %d active workers", crawl.ErrInvalidTransition, active)
	}
	name := c.seq.Next()
	c.setStateLocked(crawl.StateCheckpointing)
	c.logger.Info("crawl state changed", zap.Stringer("from", crawl.StatePaused), zap.Stringer("to", crawl.StateCheckpointing))
	c.broadcastLocked(status.KindCheckpointBegin, &status.CheckpointInfo{
		Name:   name,
		Dir:    filepath.Join(c.dirs.Checkpoints, name),
		Status: string(checkpoint.StatusInProgress),
	})

	done := make(chan checkpoint.Record, 1)
	runCtx := context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		rec := c.coord.Run(runCtx, name)
		c.checkpointDone(rec)
		done <- rec
		close(done)
	}()
	return done, nil
}

func (c *Controller) checkpointDone(rec checkpoint.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = append(c.checkpoints, rec)
	c.setStateLocked(crawl.StatePaused)
	c.logger.Info("crawl state changed", zap.Stringer("from", crawl.StateCheckpointing), zap.Stringer("to", crawl.StatePaused))
	c.broadcastLocked(status.KindCheckpointEnd, rec.Info())

	stop, resume := c.pendingStop, c.pendingResume
	c.pendingStop, c.pendingResume = "", false
	switch {
	case stop != "":
		c.requestStopLocked(stop)
	case resume:
		c.resumeLocked()
	}
}

// Checkpoints returns every checkpoint attempted in this run.
func (c *Controller) Checkpoints() []checkpoint.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]checkpoint.Record(nil), c.checkpoints...)
}

// WriteCheckpointState implements checkpoint.StateWriter: it copies the
// settings and writes the controller snapshot.
func (c *Controller) WriteCheckpointState(_ context.Context, name, dir string) error {
	if err := checkpoint.CopyConfig(c.cfg.SettingsPath, dir); err != nil {
		return err
	}
	n, ok := checkpoint.ParseName(name)
	if !ok {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	c.mu.Lock()
	snap := checkpoint.Snapshot{
		CrawlID:          c.crawlID,
		Checkpoint:       name,
		Sequence:         n,
		TakenAt:          c.clock.Now(),
		ElapsedMS:        c.elapsedLocked().Milliseconds(),
		PausedMS:         c.pausedTotal.Milliseconds(),
		PoolSize:         c.cfg.PoolSize,
		SingleThreadMode: c.singleThread || c.gate.Engaged(),
	}
	c.mu.Unlock()
	snap.NextSerial = c.pool.NextSerial()
	snap.Documents = c.frontier.SucceededFetchCount()
	snap.Bytes = c.frontier.TotalBytesWritten()
	snap.BigMaps = c.maps.States()
	return checkpoint.WriteSnapshot(filepath.Join(dir, checkpoint.SnapshotFile), snap)
}

// recover copies the checkpoint's store segments into the state dir and
// loads its snapshot. It runs before the store is opened.
func (c *Controller) recover(cpDir string) (*checkpoint.Snapshot, error) {
	snap, err := checkpoint.LoadSnapshot(filepath.Join(cpDir, checkpoint.SnapshotFile))
	if err != nil {
		return nil, fmt.Errorf("recover from %s: %w", cpDir, err)
	}
	copied, err := checkpoint.Recover(cpDir, c.dirs.State)
	if err != nil {
		return nil, fmt.Errorf("recover from %s: %w", cpDir, err)
	}
	c.logger.Info("recovering from checkpoint",
		zap.String("checkpoint", snap.Checkpoint),
		zap.Int("segments_copied", len(copied)),
	)
	return &snap, nil
}

func (c *Controller) applySnapshot(snap checkpoint.Snapshot) {
	c.crawlID = snap.CrawlID
	c.seq.Advance(snap.Sequence)
	c.elapsedBase = snap.Elapsed()
	c.pool.SetNextSerial(snap.NextSerial)
	if c.cfg.PoolSize == 0 {
		c.cfg.PoolSize = snap.PoolSize
	}
	if snap.SingleThreadMode {
		c.singleThread = true
	}
}
