package controller

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Dirs is the crawl's disk layout. Relative entries resolve against
// Working.
type Dirs struct {
	Working     string `json:"working"`
	Logs        string `json:"logs"`
	State       string `json:"state"`
	Scratch     string `json:"scratch"`
	Checkpoints string `json:"checkpoints"`
}

func (d Dirs) resolve() (Dirs, error) {
	if d.Working == "" {
		return Dirs{}, errors.New("working directory is required")
	}
	abs, err := filepath.Abs(d.Working)
	if err != nil {
		return Dirs{}, fmt.Errorf("resolve working directory: %w", err)
	}
	rel := func(p, def string) string {
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(abs, p)
	}
	return Dirs{
		Working:     abs,
		Logs:        rel(d.Logs, "logs"),
		State:       rel(d.State, "state"),
		Scratch:     rel(d.Scratch, "scratch"),
		Checkpoints: rel(d.Checkpoints, "checkpoints"),
	}, nil
}

// Limits are the thresholds that end a crawl on their own. Zero disables
// a limit.
type Limits struct {
	MaxBytes     int64
	MaxDocuments int64
	// MaxTime counts active time only; paused time is excluded.
	MaxTime time.Duration
}

// Config tunes a Controller.
type Config struct {
	// CrawlID names the run. A UUIDv7 is generated when empty; a recovered
	// snapshot's id wins.
	CrawlID  string
	Dirs     Dirs
	PoolSize int
	Limits   Limits
	// StatsInterval is the period of the progress-statistics loop.
	StatsInterval time.Duration
	// RecoverFrom is a checkpoint directory to resume from.
	RecoverFrom string
	// SettingsPath is the settings file or tree copied into checkpoints.
	SettingsPath string
	// PauseAtStart leaves a started crawl paused instead of running.
	PauseAtStart bool

	SegmentMaxBytes      int64
	CleanerInterval      time.Duration
	MinimizeRecoveryTime bool
	BigMapCache          int
	CompressRolledLogs   bool

	// MemoryBudget engages single-thread-mode once heap use crosses it.
	// Zero disables the watcher.
	MemoryBudget   uint64
	MemoryInterval time.Duration
	ReserveBlocks  int
	ReserveSize    int
}

// DefaultStatsInterval is used when Config.StatsInterval is zero.
const DefaultStatsInterval = 20 * time.Second

func (c Config) validate() error {
	if c.PoolSize < 0 {
		return fmt.Errorf("pool size must be >= 0, got %d", c.PoolSize)
	}
	if c.Limits.MaxBytes < 0 || c.Limits.MaxDocuments < 0 || c.Limits.MaxTime < 0 {
		return errors.New("limits must not be negative")
	}
	if c.ReserveBlocks < 0 || c.ReserveSize < 0 {
		return errors.New("reserve must not be negative")
	}
	return nil
}
