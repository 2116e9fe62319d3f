package throttle

import (
	"context"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// HeapSampler reports current heap usage in bytes.
type HeapSampler func() uint64

// RuntimeHeap samples runtime.MemStats.HeapAlloc.
func RuntimeHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// WatcherConfig controls the memory watcher.
type WatcherConfig struct {
	Budget   uint64
	Interval time.Duration
	Sampler  HeapSampler
	Logger   *zap.Logger
	// OnEngage is called after the watcher engages single-thread-mode.
	OnEngage func(heap uint64)
}

// MemoryWatcher engages the gate when heap usage crosses the budget.
type MemoryWatcher struct {
	cfg     WatcherConfig
	gate    *Gate
	reserve *Reserve
}

// NewMemoryWatcher builds a watcher. A zero budget disables it.
func NewMemoryWatcher(cfg WatcherConfig, gate *Gate, reserve *Reserve) *MemoryWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Sampler == nil {
		cfg.Sampler = RuntimeHeap
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &MemoryWatcher{cfg: cfg, gate: gate, reserve: reserve}
}

// Run samples until ctx ends.
func (m *MemoryWatcher) Run(ctx context.Context) {
	if m.cfg.Budget == 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check takes one sample and reacts to a budget breach. It reports whether
// the gate was engaged by this call.
func (m *MemoryWatcher) Check(ctx context.Context) bool {
	heap := m.cfg.Sampler()
	if m.cfg.Budget == 0 || heap < m.cfg.Budget || m.gate.Engaged() {
		return false
	}
	released := m.reserve != nil && m.reserve.ReleaseBlock()
	p := &Permit{}
	if err := m.gate.Engage(ctx, p); err != nil {
		m.cfg.Logger.Warn("engage single-thread-mode failed", zap.Error(err))
		return false
	}
	m.gate.Release(p)
	m.cfg.Logger.Error("memory budget exceeded; single-thread-mode engaged",
		zap.String("heap", humanize.IBytes(heap)),
		zap.String("budget", humanize.IBytes(m.cfg.Budget)),
		zap.Bool("reserve_released", released),
	)
	if m.cfg.OnEngage != nil {
		m.cfg.OnEngage(heap)
	}
	return true
}
