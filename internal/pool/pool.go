// Package pool runs the crawl's workers. The pool owns an explicit
// registry of workers keyed by serial number and a dispatcher goroutine
// that hands each idle worker its next item from the frontier.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/chain"
	"github.com/JakeFAU/crawlctl/internal/clock/system"
	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/throttle"
)

// ErrNoSuchWorker is returned by Kill for an unknown serial.
var ErrNoSuchWorker = errors.New("no such worker")

// ErrStopped is returned by operations on a stopped pool.
var ErrStopped = errors.New("pool stopped")

// Hooks are the signals that cross from the pool to the controller. They
// are never called with the pool's lock held.
type Hooks interface {
	// ItemStarted fires when a worker begins processing an item.
	ItemStarted(serial int)
	// ItemFinished fires after an item went back to the frontier. active
	// is the number of items still in flight.
	ItemFinished(item *crawl.WorkItem, active int)
	// WorkerEnded fires when a worker goroutine exits. alive is the number
	// of worker goroutines still running.
	WorkerEnded(serial int, alive int)
}

// NopHooks ignores every signal.
type NopHooks struct{}

// ItemStarted implements Hooks.
func (NopHooks) ItemStarted(int) {}

// ItemFinished implements Hooks.
func (NopHooks) ItemFinished(*crawl.WorkItem, int) {}

// WorkerEnded implements Hooks.
func (NopHooks) WorkerEnded(int, int) {}

// Config wires a Pool.
type Config struct {
	Frontier crawl.Frontier
	Chain    *chain.Chain
	Gate     *throttle.Gate
	Hooks    Hooks
	Clock    crawl.Clock
	Logger   *zap.Logger
	// RetryDelay is how long the dispatcher waits after a frontier error.
	RetryDelay time.Duration
}

// Pool owns a resizable set of workers.
type Pool struct {
	frontier   crawl.Frontier
	chain      *chain.Chain
	gate       *throttle.Gate
	hooks      Hooks
	clock      crawl.Clock
	logger     *zap.Logger
	retryDelay time.Duration

	mu         sync.Mutex
	workers    map[int]*Worker
	nextSerial int
	idle       []*Worker
	parked     []*crawl.WorkItem
	hold       bool
	active     int
	alive      int
	target     int
	started    bool
	stopped    bool
	base       context.Context
	// cancelDispatch unblocks a dispatcher waiting on the frontier.
	cancelDispatch context.CancelFunc

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New validates cfg and returns an idle pool. Start spawns the workers.
func New(cfg Config) (*Pool, error) {
	if cfg.Frontier == nil {
		return nil, errors.New("pool: frontier is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("pool: chain is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = throttle.NewGate()
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &Pool{
		frontier:   cfg.Frontier,
		chain:      cfg.Chain,
		gate:       cfg.Gate,
		hooks:      cfg.Hooks,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		retryDelay: cfg.RetryDelay,
		workers:    make(map[int]*Worker),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}, nil
}

// SetHooks replaces the hooks. It must be called before Start.
func (p *Pool) SetHooks(h Hooks) {
	if h == nil {
		h = NopHooks{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = h
}

// SetNextSerial makes the next spawned worker use serial n. Recovery uses
// it so serials keep increasing across restarts.
func (p *Pool) SetNextSerial(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.nextSerial {
		p.nextSerial = n
	}
}

// NextSerial returns the serial the next worker will get.
func (p *Pool) NextSerial() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSerial
}

// Start spawns size workers and the dispatcher. ctx bounds every worker.
func (p *Pool) Start(ctx context.Context, size int) error {
	if size < 0 {
		return fmt.Errorf("pool: invalid size %d", size)
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return errors.New("pool: already started")
	}
	p.started = true
	p.base = ctx
	p.target = size
	for range size {
		p.spawnLocked()
	}
	dctx, cancel := context.WithCancel(ctx)
	p.cancelDispatch = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatch(dctx)
	}()
	p.logger.Info("worker pool started", zap.Int("size", size))
	return nil
}

func (p *Pool) spawnLocked() *Worker {
	ctx, cancel := context.WithCancel(p.base)
	w := &Worker{
		serial: p.nextSerial,
		pool:   p,
		inbox:  make(chan *crawl.WorkItem, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	p.nextSerial++
	p.workers[w.serial] = w
	p.alive++
	p.idle = append(p.idle, w)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run()
	}()
	p.signal()
	return w
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch hands items to idle workers until the pool stops or the
// frontier terminates.
func (p *Pool) dispatch(ctx context.Context) {
	for {
		w, item, ok := p.nextAssignment(ctx)
		if !ok {
			return
		}
		if item == nil {
			next, err := p.frontier.Next(ctx)
			if err != nil {
				p.mu.Lock()
				if p.workers[w.serial] == w {
					p.idle = append(p.idle, w)
				}
				p.mu.Unlock()
				if errors.Is(err, crawl.ErrFrontierTerminated) || ctx.Err() != nil {
					p.logger.Debug("dispatcher exiting", zap.Error(err))
					return
				}
				p.logger.Warn("frontier next failed", zap.Error(err))
				select {
				case <-time.After(p.retryDelay):
				case <-p.stopCh:
					return
				case <-ctx.Done():
					return
				}
				continue
			}
			item = next
		}
		p.assign(w, item)
	}
}

// nextAssignment blocks until an idle worker is available and dispatch is
// not on hold. A parked item, if any, is returned with the worker.
func (p *Pool) nextAssignment(ctx context.Context) (*Worker, *crawl.WorkItem, bool) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, nil, false
		}
		if !p.hold && len(p.idle) > 0 {
			w := p.idle[0]
			p.idle = p.idle[1:]
			var item *crawl.WorkItem
			if len(p.parked) > 0 {
				item = p.parked[0]
				p.parked = p.parked[1:]
			}
			p.mu.Unlock()
			return w, item, true
		}
		p.mu.Unlock()
		select {
		case <-p.wake:
		case <-p.stopCh:
			return nil, nil, false
		case <-ctx.Done():
			return nil, nil, false
		}
	}
}

// assign pushes item to w, or parks it when dispatch went on hold or w
// disappeared while the frontier was being asked. Items that arrive after
// Stop go straight back to the frontier.
func (p *Pool) assign(w *Worker, item *crawl.WorkItem) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.returnUnassigned(item)
		return
	}
	defer p.mu.Unlock()
	if p.hold || p.workers[w.serial] != w {
		p.parked = append(p.parked, item)
		if p.workers[w.serial] == w {
			p.idle = append(p.idle, w)
		}
		return
	}
	p.active++
	w.inbox <- item
}

func (p *Pool) returnUnassigned(item *crawl.WorkItem) {
	item.RecordFault(crawl.FaultAbandoned, "", errors.New("pool stopped before assignment"))
	p.frontier.Finished(item)
}

// HoldDispatch stops handing out items and returns the number of items
// in flight at that instant. When it returns 0 no worker is processing and
// none will start until ReleaseDispatch.
func (p *Pool) HoldDispatch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = true
	return p.active
}

// ReturnParked hands items parked during a hold back to the frontier so
// nothing is in flight while dispatch is held. It returns how many went back.
func (p *Pool) ReturnParked() int {
	p.mu.Lock()
	parked := p.parked
	p.parked = nil
	p.mu.Unlock()
	for _, item := range parked {
		item.RecordFault(crawl.FaultAbandoned, "", errors.New("returned while dispatch held"))
		p.frontier.Finished(item)
	}
	return len(parked)
}

// ReleaseDispatch resumes handing out items, parked ones first.
func (p *Pool) ReleaseDispatch() {
	p.mu.Lock()
	p.hold = false
	p.mu.Unlock()
	p.signal()
}

// Resize sets the target size. Growing spawns workers with new serials;
// shrinking kills workers immediately, idle ones first, then the newest.
func (p *Pool) Resize(n int) error {
	if n < 0 {
		return fmt.Errorf("pool: invalid size %d", n)
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.target = n
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	for len(p.workers) < n {
		p.spawnLocked()
	}
	var victims []*Worker
	for len(p.workers) > n {
		w := p.pickVictimLocked()
		p.unregisterLocked(w)
		victims = append(victims, w)
	}
	p.mu.Unlock()
	for _, w := range victims {
		w.cancel()
	}
	p.logger.Info("worker pool resized", zap.Int("size", n), zap.Int("killed", len(victims)))
	return nil
}

func (p *Pool) pickVictimLocked() *Worker {
	if len(p.idle) > 0 {
		return p.idle[len(p.idle)-1]
	}
	var pick *Worker
	for _, w := range p.workers {
		if pick == nil || w.serial > pick.serial {
			pick = w
		}
	}
	return pick
}

func (p *Pool) unregisterLocked(w *Worker) {
	delete(p.workers, w.serial)
	w.killed.Store(true)
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

// Kill removes the worker with the given serial at once. Its in-flight
// item, if any, goes back to the frontier as abandoned once the current
// step returns. With replace a new worker is spawned in its place.
func (p *Pool) Kill(serial int, replace bool) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	w, ok := p.workers[serial]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchWorker, serial)
	}
	p.unregisterLocked(w)
	var replacement int
	if replace {
		replacement = p.spawnLocked().serial
	} else {
		p.target = len(p.workers)
	}
	p.mu.Unlock()
	w.cancel()
	fields := []zap.Field{zap.Int("serial", serial), zap.Bool("replace", replace)}
	if replace {
		fields = append(fields, zap.Int("replacement", replacement))
	}
	p.logger.Warn("worker killed", fields...)
	return nil
}

// Stop sets the pool-wide stop flag. Idle workers exit at once; busy
// workers finish their current step, return their item and exit. Parked
// items go back to the frontier.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	parked := p.parked
	p.parked = nil
	p.idle = nil
	close(p.stopCh)
	cancel := p.cancelDispatch
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, item := range parked {
		p.returnUnassigned(item)
	}
	p.logger.Info("worker pool stopping", zap.Int("returned_parked", len(parked)))
}

// Stopping reports whether Stop was called.
func (p *Pool) Stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Wait blocks until the dispatcher and every worker goroutine exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ActiveCount is the number of items in flight.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// TotalCount is the number of registered workers.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// AliveCount is the number of worker goroutines still running, including
// killed workers finishing their last step.
func (p *Pool) AliveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// TargetSize is the size last requested through Start, Resize or Kill.
func (p *Pool) TargetSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Summary counts workers per processing step.
type Summary struct {
	Active int            `json:"active"`
	Total  int            `json:"total"`
	Steps  map[string]int `json:"steps"`
}

// String renders the summary compactly, e.g. "3 workers, 2 active: digest:1 record:1".
func (s Summary) String() string {
	names := make([]string, 0, len(s.Steps))
	for name := range s.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	out := fmt.Sprintf("%d workers, %d active", s.Total, s.Active)
	for i, name := range names {
		sep := " "
		if i == 0 {
			sep = ": "
		}
		out += fmt.Sprintf("%s%s:%d", sep, name, s.Steps[name])
	}
	return out
}

// Summary returns how many registered workers are at each step.
func (p *Pool) Summary() Summary {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	s := Summary{Active: p.active, Total: len(p.workers), Steps: make(map[string]int)}
	p.mu.Unlock()
	for _, w := range workers {
		if step := w.snapshot().Step; step != "" {
			s.Steps[step]++
		}
	}
	return s
}

// Report returns one row per registered worker ordered by serial.
func (p *Pool) Report() []WorkerReport {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()
	rows := make([]WorkerReport, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, w.snapshot())
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Serial < rows[j].Serial })
	return rows
}

// workerFinishedItem is called by a worker after its item went back to the
// frontier.
func (p *Pool) workerFinishedItem(w *Worker, item *crawl.WorkItem) {
	p.mu.Lock()
	p.active--
	active := p.active
	if p.workers[w.serial] == w && !p.stopped {
		p.idle = append(p.idle, w)
	}
	hooks := p.hooks
	p.mu.Unlock()
	p.signal()
	hooks.ItemFinished(item, active)
}

func (p *Pool) workerExited(w *Worker) {
	p.mu.Lock()
	p.alive--
	alive := p.alive
	if p.workers[w.serial] == w {
		p.unregisterLocked(w)
	}
	hooks := p.hooks
	p.mu.Unlock()
	p.logger.Debug("worker ended", zap.Int("serial", w.serial), zap.Int("alive", alive))
	hooks.WorkerEnded(w.serial, alive)
}

func (p *Pool) itemStarted(serial int) {
	p.mu.Lock()
	hooks := p.hooks
	p.mu.Unlock()
	hooks.ItemStarted(serial)
}
