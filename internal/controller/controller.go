// Package controller owns a crawl's lifecycle. It builds the disk layout,
// the backing store, the crawl logs and the worker pool, and moves the
// crawl through its states in response to operator requests and to the
// signals the pool sends back.
//
// Every transition runs under the controller's lock and broadcasts to the
// registered listeners before the request returns. Completion of pause and
// stop is asynchronous: it happens when the last active worker goes idle or
// the last worker ends.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/chain"
	"github.com/JakeFAU/crawlctl/internal/checkpoint"
	"github.com/JakeFAU/crawlctl/internal/clock/system"
	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/id/uuid"
	"github.com/JakeFAU/crawlctl/internal/logging"
	"github.com/JakeFAU/crawlctl/internal/metrics"
	"github.com/JakeFAU/crawlctl/internal/pool"
	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/store"
	"github.com/JakeFAU/crawlctl/internal/store/bigmap"
	"github.com/JakeFAU/crawlctl/internal/throttle"
)

// FrontierFactory builds the crawl's frontier once the big-map registry is
// open.
type FrontierFactory func(reg *bigmap.Registry, logger *zap.Logger) (crawl.Frontier, error)

// ChainFactory builds the processing chain. crawlLog writes to crawl.log.
type ChainFactory func(crawlLog *zap.Logger) (*chain.Chain, error)

// IDGenerator creates crawl run ids.
type IDGenerator interface {
	NewID() (string, error)
}

// CheckpointRecoverer is implemented by frontiers that restore their own
// state from a checkpoint directory.
type CheckpointRecoverer interface {
	RecoverCheckpoint(dir string) error
}

// Deps are the collaborators a Controller is built from.
type Deps struct {
	Frontier FrontierFactory
	// Chain defaults to chain.Default.
	Chain ChainFactory
	// Listeners are registered after the frontier, in order.
	Listeners []status.Listener
	Gate      *throttle.Gate
	Mirror    *checkpoint.Mirror
	Clock     crawl.Clock
	IDs       IDGenerator
	Logger    *zap.Logger
}

// Controller is the crawl state machine.
type Controller struct {
	cfg    Config
	dirs   Dirs
	clock  crawl.Clock
	logger *zap.Logger

	crawlID  string
	files    *logging.Files
	progress *zap.Logger
	st       *store.Store
	maps     *bigmap.Registry
	frontier crawl.Frontier
	pool     *pool.Pool
	gate     *throttle.Gate
	reserve  *throttle.Reserve
	bcast    *status.Broadcaster
	coord    *checkpoint.Coordinator
	seq      *checkpoint.Sequence

	// state mirrors the locked state for lock-free reads.
	state atomic.Int32

	mu            sync.Mutex
	exit          crawl.ExitClass
	pendingResume bool
	pendingStop   crawl.ExitClass
	singleThread  bool
	startedAt     time.Time
	endedAt       time.Time
	pausedSince   time.Time
	pausedTotal   time.Duration
	elapsedBase   time.Duration
	checkpoints   []checkpoint.Record
	changed       chan struct{}
	done          chan struct{}
	storeClosed   bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	bg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a controller. Any failure is fatal to construction: whatever
// was opened is released and no controller is returned.
func New(cfg Config, deps Deps) (c *Controller, err error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	if deps.Frontier == nil {
		return nil, errors.New("controller: frontier factory is required")
	}
	if deps.Chain == nil {
		deps.Chain = chain.Default
	}
	if deps.Gate == nil {
		deps.Gate = throttle.NewGate()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	metrics.Init()

	dirs, err := cfg.Dirs.resolve()
	if err != nil {
		return nil, err
	}
	for _, d := range []string{dirs.Working, dirs.Logs, dirs.State, dirs.Scratch} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	c = &Controller{
		cfg:     cfg,
		dirs:    dirs,
		clock:   deps.Clock,
		gate:    deps.Gate,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		c = nil
	}()

	files, err := logging.OpenFiles(dirs.Logs, cfg.CompressRolledLogs)
	if err != nil {
		return nil, err
	}
	closers = append(closers, files.Close)
	c.files = files
	c.logger = files.TeeAlerts(deps.Logger).Named("controller")
	c.progress = files.Logger(logging.ProgressLog)

	var snap *checkpoint.Snapshot
	if cfg.RecoverFrom != "" {
		snap, err = c.recover(cfg.RecoverFrom)
		if err != nil {
			return nil, err
		}
	}

	st, err := store.Open(dirs.State, store.Options{
		SegmentMaxBytes: cfg.SegmentMaxBytes,
		CleanerInterval: cfg.CleanerInterval,
		Logger:          c.logger.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("open backing store: %w", err)
	}
	closers = append(closers, st.Close)
	c.st = st
	c.maps = bigmap.NewRegistry(st, cfg.BigMapCache)
	if snap != nil {
		if err := c.maps.Restore(snap.BigMaps); err != nil {
			return nil, fmt.Errorf("restore big-maps: %w", err)
		}
	}

	frontier, err := deps.Frontier(c.maps, c.logger.Named("frontier"))
	if err != nil {
		return nil, fmt.Errorf("build frontier: %w", err)
	}
	c.frontier = frontier
	if snap != nil {
		if r, ok := frontier.(CheckpointRecoverer); ok {
			if err := r.RecoverCheckpoint(cfg.RecoverFrom); err != nil {
				return nil, fmt.Errorf("recover frontier: %w", err)
			}
		}
	}

	ch, err := deps.Chain(files.Logger(logging.CrawlLog))
	if err != nil {
		return nil, fmt.Errorf("build processing chain: %w", err)
	}
	p, err := pool.New(pool.Config{
		Frontier: frontier,
		Chain:    ch,
		Gate:     c.gate,
		Hooks:    c,
		Clock:    c.clock,
		Logger:   c.logger.Named("pool"),
	})
	if err != nil {
		return nil, err
	}
	c.pool = p

	c.bcast = status.NewBroadcaster(c.logger.Named("status"))
	if l, ok := frontier.(status.Listener); ok {
		c.bcast.Register(l)
	} else if cp, ok := frontier.(status.CheckpointParticipant); ok {
		c.bcast.RegisterParticipant(cp)
	}
	for _, l := range deps.Listeners {
		c.bcast.Register(l)
	}

	c.coord, err = checkpoint.NewCoordinator(checkpoint.Config{
		Root:                 dirs.Checkpoints,
		Participants:         c.bcast,
		Logs:                 files,
		Maps:                 c.maps,
		Store:                st,
		State:                c,
		MinimizeRecoveryTime: cfg.MinimizeRecoveryTime,
		Mirror:               deps.Mirror,
		Clock:                c.clock,
		Logger:               c.logger.Named("checkpoint"),
	})
	if err != nil {
		return nil, err
	}

	c.crawlID = cfg.CrawlID
	c.seq = checkpoint.NewSequence(0)
	if snap != nil {
		c.applySnapshot(*snap)
	}
	if c.crawlID == "" {
		if c.crawlID, err = deps.IDs.NewID(); err != nil {
			return nil, fmt.Errorf("crawl id: %w", err)
		}
	}
	c.logger = c.logger.With(zap.String("crawl_id", c.crawlID))
	if cfg.ReserveBlocks > 0 {
		c.reserve = throttle.NewReserve(cfg.ReserveBlocks, cfg.ReserveSize)
	}
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	c.setStateLocked(crawl.StateNascent)
	c.logger.Info("crawl controller ready",
		zap.String("working", dirs.Working),
		zap.Bool("recovered", snap != nil),
	)
	return c, nil
}

// CrawlID returns the run id.
func (c *Controller) CrawlID() string { return c.crawlID }

// Dirs returns the resolved disk layout.
func (c *Controller) Dirs() Dirs { return c.dirs }

// Frontier returns the crawl's frontier.
func (c *Controller) Frontier() crawl.Frontier { return c.frontier }

// Broadcaster returns the event broadcaster so callers can register more
// listeners before the crawl starts.
func (c *Controller) Broadcaster() *status.Broadcaster { return c.bcast }

// State returns the current state without taking the lock.
func (c *Controller) State() crawl.State {
	return crawl.State(c.state.Load())
}

// Done is closed once the crawl is Finished.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Exit returns the recorded exit classification, empty until a stop is
// requested.
func (c *Controller) Exit() crawl.ExitClass {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

// AwaitState blocks until the crawl is in one of states or ctx ends, and
// returns the state it observed.
func (c *Controller) AwaitState(ctx context.Context, states ...crawl.State) (crawl.State, error) {
	for {
		c.mu.Lock()
		cur := crawl.State(c.state.Load())
		changed := c.changed
		c.mu.Unlock()
		for _, s := range states {
			if cur == s {
				return cur, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

func (c *Controller) stateLocked() crawl.State {
	return crawl.State(c.state.Load())
}

func (c *Controller) setStateLocked(s crawl.State) {
	c.state.Store(int32(s))
	close(c.changed)
	c.changed = make(chan struct{})
	metrics.SetCrawlState(s.String())
}

// transitionLocked moves to s and broadcasts kind.
func (c *Controller) transitionLocked(s crawl.State, kind status.Kind) {
	from := c.stateLocked()
	c.setStateLocked(s)
	c.logger.Info("crawl state changed", zap.Stringer("from", from), zap.Stringer("to", s))
	c.broadcastLocked(kind, nil)
}

func (c *Controller) broadcastLocked(kind status.Kind, cp *status.CheckpointInfo) {
	c.bcast.Broadcast(c.runCtx, status.Event{
		CrawlID:    c.crawlID,
		Kind:       kind,
		State:      c.stateLocked(),
		TS:         c.clock.Now(),
		Exit:       c.exit,
		Checkpoint: cp,
		Totals: status.Totals{
			Documents: c.frontier.SucceededFetchCount(),
			Bytes:     c.frontier.TotalBytesWritten(),
		},
	})
}

// RequestStart moves a nascent crawl through Preparing to Started. The
// pool is sized, the stats loop started and the frontier unpaused; Running
// follows once a worker picks up an item.
func (c *Controller) RequestStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.stateLocked(); st != crawl.StateNascent {
		return crawl.TransitionError("start", st)
	}
	c.transitionLocked(crawl.StatePreparing, status.KindPreparing)
	if err := c.frontier.Start(c.runCtx); err != nil {
		c.logger.Error("frontier start failed", zap.Error(err))
		c.requestStopLocked(crawl.ExitAbnormal)
		return fmt.Errorf("start frontier: %w", err)
	}
	if err := c.pool.Start(c.runCtx, c.cfg.PoolSize); err != nil {
		c.logger.Error("pool start failed", zap.Error(err))
		c.requestStopLocked(crawl.ExitAbnormal)
		return fmt.Errorf("start pool: %w", err)
	}
	c.startedAt = c.clock.Now()
	c.startBackgroundLocked()
	c.transitionLocked(crawl.StateStarted, status.KindStarted)
	if c.cfg.PauseAtStart {
		c.pauseLocked()
		return nil
	}
	c.frontier.Unpause()
	return nil
}

// RequestPause stops new items from being issued. The crawl is Pausing
// until the last active worker goes idle, then Paused.
func (c *Controller) RequestPause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch st := c.stateLocked(); st {
	case crawl.StateRunning, crawl.StateStarted:
	default:
		return crawl.TransitionError("pause", st)
	}
	c.pauseLocked()
	return nil
}

func (c *Controller) pauseLocked() {
	c.transitionLocked(crawl.StatePausing, status.KindPausing)
	c.frontier.Pause()
	if active := c.pool.HoldDispatch(); active == 0 {
		c.completePauseLocked()
	}
}

func (c *Controller) completePauseLocked() {
	c.pausedSince = c.clock.Now()
	c.transitionLocked(crawl.StatePaused, status.KindPaused)
}

// RequestResume continues a paused or pausing crawl. Single-thread-mode
// is cleared. A resume requested while a checkpoint runs takes effect
// when the checkpoint is done.
func (c *Controller) RequestResume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch st := c.stateLocked(); st {
	case crawl.StateCheckpointing:
		c.pendingResume = true
		c.logger.Info("resume deferred until checkpoint completes")
		return nil
	case crawl.StatePaused, crawl.StatePausing:
	default:
		return crawl.TransitionError("resume", st)
	}
	c.resumeLocked()
	return nil
}

func (c *Controller) resumeLocked() {
	c.endPauseLocked()
	if c.singleThread || c.gate.Engaged() {
		c.gate.Disengage()
		c.singleThread = false
		metrics.SetSingleThreadMode(false)
	}
	c.setStateLocked(crawl.StateRunning)
	c.logger.Info("crawl resumed")
	c.broadcastLocked(status.KindResumed, nil)
	c.frontier.Unpause()
	c.pool.ReleaseDispatch()
}

func (c *Controller) endPauseLocked() {
	if !c.pausedSince.IsZero() {
		c.pausedTotal += c.clock.Now().Sub(c.pausedSince)
		c.pausedSince = time.Time{}
	}
}

// RequestStop ends the crawl with the given classification. Workers finish
// their current step and exit; the crawl is Finished once the last one
// ends. A stop requested while a checkpoint runs takes effect when the
// checkpoint is done.
func (c *Controller) RequestStop(exit crawl.ExitClass) error {
	if !exit.Valid() {
		return fmt.Errorf("unknown exit classification %q", exit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch st := c.stateLocked(); st {
	case crawl.StateStopping, crawl.StateFinished:
		return crawl.TransitionError("stop", st)
	case crawl.StateCheckpointing:
		if c.pendingStop == "" {
			c.pendingStop = exit
		}
		c.logger.Info("stop deferred until checkpoint completes", zap.String("exit", string(exit)))
		return nil
	}
	c.requestStopLocked(exit)
	return nil
}

func (c *Controller) requestStopLocked(exit crawl.ExitClass) {
	c.endPauseLocked()
	c.exit = exit
	c.transitionLocked(crawl.StateStopping, status.KindStopping)
	c.frontier.Terminate()
	c.frontier.Unpause()
	c.pool.ReleaseDispatch()
	c.pool.Stop()
	if c.pool.AliveCount() == 0 {
		c.finishLocked()
	}
}

func (c *Controller) finishLocked() {
	c.endedAt = c.clock.Now()
	c.cancelRun()
	c.setStateLocked(crawl.StateFinished)
	if err := c.writeEndReportsLocked(); err != nil {
		c.logger.Error("crawl-end reports failed", zap.Error(err))
	}
	if err := c.closeStoreLocked(); err != nil {
		c.logger.Error("close backing store failed", zap.Error(err))
	}
	c.logger.Info("crawl finished",
		zap.String("exit", string(c.exit)),
		zap.Duration("elapsed", c.elapsedLocked()),
		zap.Int64("documents", c.frontier.SucceededFetchCount()),
	)
	c.broadcastLocked(status.KindEnded, nil)
	close(c.done)
}

func (c *Controller) closeStoreLocked() error {
	if c.storeClosed {
		return nil
	}
	c.storeClosed = true
	return errors.Join(c.maps.SyncAll(), c.st.Close())
}

// Elapsed returns active crawl time, excluding pauses and including time
// carried over from a recovered checkpoint.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

func (c *Controller) elapsedLocked() time.Duration {
	if c.startedAt.IsZero() {
		return c.elapsedBase
	}
	end := c.clock.Now()
	if !c.endedAt.IsZero() {
		end = c.endedAt
	}
	d := end.Sub(c.startedAt) - c.pausedTotal
	if !c.pausedSince.IsZero() {
		d -= end.Sub(c.pausedSince)
	}
	if d < 0 {
		d = 0
	}
	return c.elapsedBase + d
}

// KillWorker removes one worker at once; its item is retried by the
// frontier. With replace a new worker takes its place.
func (c *Controller) KillWorker(serial int, replace bool) error {
	if err := c.pool.Kill(serial, replace); err != nil {
		return fmt.Errorf("kill worker %d: %w", serial, err)
	}
	return nil
}

// ResizePool sets the number of workers.
func (c *Controller) ResizePool(n int) error {
	if err := c.pool.Resize(n); err != nil {
		return fmt.Errorf("resize pool: %w", err)
	}
	c.mu.Lock()
	c.cfg.PoolSize = n
	c.mu.Unlock()
	return nil
}

// EngageSingleThreadMode lets at most one worker run a step at a time
// until the next resume.
func (c *Controller) EngageSingleThreadMode(ctx context.Context) error {
	if c.gate.Engaged() {
		return nil
	}
	p := &throttle.Permit{}
	if err := c.gate.Engage(ctx, p); err != nil {
		return fmt.Errorf("engage single-thread-mode: %w", err)
	}
	c.gate.Release(p)
	c.mu.Lock()
	c.singleThread = true
	c.mu.Unlock()
	metrics.SetSingleThreadMode(true)
	c.logger.Warn("single-thread-mode engaged")
	return nil
}

// SingleThreadMode reports whether the throttle is engaged.
func (c *Controller) SingleThreadMode() bool {
	return c.gate.Engaged()
}

// Close stops a crawl that is still running, waits for the pool and the
// background loops, and releases every file. It is safe to call more than
// once.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if st := c.State(); st != crawl.StateFinished {
			if stopErr := c.RequestStop(crawl.ExitAborted); stopErr != nil && !errors.Is(stopErr, crawl.ErrInvalidTransition) {
				err = stopErr
			}
			if _, waitErr := c.AwaitState(ctx, crawl.StateFinished); waitErr != nil {
				err = errors.Join(err, fmt.Errorf("wait for crawl end: %w", waitErr))
			}
		}
		c.pool.Wait()
		c.cancelRun()
		c.bg.Wait()
		c.mu.Lock()
		storeErr := c.closeStoreLocked()
		c.mu.Unlock()
		err = errors.Join(err, storeErr, c.files.Close())
	})
	return err
}
