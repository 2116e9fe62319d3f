package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/clock/system"
	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/store"
)

// Participants is the checkpoint-begin half of the broadcaster.
type Participants interface {
	CheckpointBegin(ctx context.Context, cp status.Checkpoint) error
}

// LogRoller rotates the crawl log files under a tag.
type LogRoller interface {
	Roll(tag string) ([]string, error)
}

// MapSyncer flushes cached big-map entries to the backing store.
type MapSyncer interface {
	SyncAll() error
}

// BackingStore is what the coordinator needs from the store.
type BackingStore interface {
	Dir() string
	Segments() []string
	Checkpoint(opts store.CheckpointOptions) (string, error)
	DisableCleaner()
	EnableCleaner()
}

// StateWriter copies configuration and serializes controller state into
// the checkpoint directory.
type StateWriter interface {
	WriteCheckpointState(ctx context.Context, name, dir string) error
}

// Config wires a Coordinator. Any nil collaborator skips its step.
type Config struct {
	Root         string
	Participants Participants
	Logs         LogRoller
	Maps         MapSyncer
	Store        BackingStore
	State        StateWriter
	// MinimizeRecoveryTime is passed to the store checkpoint.
	MinimizeRecoveryTime bool
	Mirror               *Mirror
	Clock                crawl.Clock
	Logger               *zap.Logger
}

// Coordinator runs checkpoints. Callers guarantee that the crawl is
// paused with no item in flight and that only one Run is active.
type Coordinator struct {
	cfg    Config
	clock  crawl.Clock
	logger *zap.Logger
}

// NewCoordinator validates cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Root == "" {
		return nil, errors.New("checkpoint root is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Root returns the checkpoints root directory.
func (c *Coordinator) Root() string { return c.cfg.Root }

// Run performs one checkpoint named name. A failing step marks the record
// failed and skips the remaining steps; Run itself never fails.
func (c *Coordinator) Run(ctx context.Context, name string) Record {
	rec := Record{
		Name:      name,
		Dir:       filepath.Join(c.cfg.Root, name),
		Status:    StatusInProgress,
		StartedAt: c.clock.Now(),
	}
	logger := c.logger.With(zap.String("checkpoint", name))
	logger.Info("checkpoint started", zap.String("dir", rec.Dir))

	err := c.run(ctx, rec)
	rec.Elapsed = c.clock.Now().Sub(rec.StartedAt)
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		logger.Error("checkpoint failed", zap.Duration("elapsed", rec.Elapsed), zap.Error(err))
		return rec
	}
	rec.Status = StatusSucceeded
	logger.Info("checkpoint succeeded", zap.Duration("elapsed", rec.Elapsed))
	if c.cfg.Mirror != nil {
		uploaded, err := c.cfg.Mirror.Upload(ctx, rec.Dir, name)
		if err != nil {
			logger.Warn("checkpoint mirror failed", zap.Int("uploaded", uploaded), zap.Error(err))
		} else {
			logger.Info("checkpoint mirrored", zap.Int("files", uploaded))
		}
	}
	return rec
}

func (c *Coordinator) run(ctx context.Context, rec Record) error {
	if err := os.MkdirAll(c.cfg.Root, 0o750); err != nil {
		return fmt.Errorf("create checkpoints root: %w", err)
	}
	// Mkdir, not MkdirAll: a name is used at most once.
	if err := os.Mkdir(rec.Dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if p := c.cfg.Participants; p != nil {
		if err := p.CheckpointBegin(ctx, status.Checkpoint{Name: rec.Name, Dir: rec.Dir}); err != nil {
			return fmt.Errorf("checkpoint-begin: %w", err)
		}
	}
	if l := c.cfg.Logs; l != nil {
		if _, err := l.Roll(rec.Name); err != nil {
			return fmt.Errorf("roll logs: %w", err)
		}
	}
	if m := c.cfg.Maps; m != nil {
		if err := m.SyncAll(); err != nil {
			return fmt.Errorf("sync big-maps: %w", err)
		}
	}
	if s := c.cfg.Store; s != nil {
		if err := c.checkpointStore(s, rec.Dir); err != nil {
			return err
		}
	}
	if w := c.cfg.State; w != nil {
		if err := w.WriteCheckpointState(ctx, rec.Name, rec.Dir); err != nil {
			return fmt.Errorf("write controller state: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) checkpointStore(s BackingStore, dir string) error {
	s.DisableCleaner()
	defer s.EnableCleaner()

	last, err := s.Checkpoint(store.CheckpointOptions{
		Force:                true,
		MinimizeRecoveryTime: c.cfg.MinimizeRecoveryTime,
	})
	if err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	segments := ManifestSegments(s.Segments(), last)
	if len(segments) == 0 || segments[len(segments)-1] != last {
		return fmt.Errorf("store checkpoint: segment %s missing from store", last)
	}
	if err := WriteManifest(filepath.Join(dir, ManifestFile), segments); err != nil {
		return err
	}
	dst := filepath.Join(dir, StoreDir)
	if err := os.Mkdir(dst, 0o750); err != nil {
		return fmt.Errorf("create checkpoint store dir: %w", err)
	}
	for _, name := range segments {
		if err := linkOrCopy(filepath.Join(s.Dir(), name), filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("link segment %s: %w", name, err)
		}
	}
	return nil
}

// CopyConfig copies the settings tree at src into the checkpoint. A
// missing src is not an error.
func CopyConfig(src, cpDir string) error {
	if src == "" {
		return nil
	}
	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	dst := filepath.Join(cpDir, ConfigDir)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if !info.IsDir() {
		return copyFile(src, filepath.Join(dst, filepath.Base(src)))
	}
	return copyTree(src, dst)
}

// Info converts the record for checkpoint events.
func (r Record) Info() *status.CheckpointInfo {
	return &status.CheckpointInfo{
		Name:    r.Name,
		Dir:     r.Dir,
		Status:  string(r.Status),
		Elapsed: r.Elapsed,
		Error:   r.Error,
	}
}
