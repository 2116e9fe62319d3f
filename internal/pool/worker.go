package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/crawl"
)

var (
	errKilled  = errors.New("worker killed")
	errStopped = errors.New("crawl stopping")
)

// Worker drives one item at a time through the processing chain.
type Worker struct {
	serial int
	pool   *Pool
	inbox  chan *crawl.WorkItem
	// ctx is cancelled when the worker is killed; steps receive it.
	ctx    context.Context
	cancel context.CancelFunc
	killed atomic.Bool

	mu         sync.Mutex
	current    *crawl.WorkItem
	step       string
	lastStart  time.Time
	lastFinish time.Time
	processed  int64
}

// WorkerReport is one row of the pool report.
type WorkerReport struct {
	Serial     int       `json:"serial"`
	URI        string    `json:"uri,omitempty"`
	Step       string    `json:"step,omitempty"`
	LastStart  time.Time `json:"last_start,omitzero"`
	LastFinish time.Time `json:"last_finish,omitzero"`
	Processed  int64     `json:"processed"`
}

// Serial returns the worker's serial number.
func (w *Worker) Serial() int { return w.serial }

func (w *Worker) snapshot() WorkerReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := WorkerReport{
		Serial:     w.serial,
		Step:       w.step,
		LastStart:  w.lastStart,
		LastFinish: w.lastFinish,
		Processed:  w.processed,
	}
	if w.current != nil {
		r.URI = w.current.URI
	}
	return r
}

func (w *Worker) run() {
	defer w.cancel()
	defer w.pool.workerExited(w)
	for {
		select {
		case item := <-w.inbox:
			w.process(item)
			if w.killed.Load() || w.pool.Stopping() {
				return
			}
		case <-w.ctx.Done():
			w.drain(errKilled)
			return
		case <-w.pool.stopCh:
			w.drain(errStopped)
			return
		}
	}
}

// drain returns an item that was pushed in the same instant the worker
// was told to leave.
func (w *Worker) drain(reason error) {
	select {
	case item := <-w.inbox:
		item.RecordFault(crawl.FaultAbandoned, "", reason)
		w.pool.frontier.Finished(item)
		w.pool.workerFinishedItem(w, item)
	default:
	}
}

func (w *Worker) process(item *crawl.WorkItem) {
	p := w.pool
	if !item.Claim(w.serial) {
		// Unreachable unless the frontier hands out one item twice.
		p.logger.Error("item already owned by another worker",
			zap.String("uri", item.URI),
			zap.Int("serial", w.serial),
			zap.Int("owner", item.Owner()),
		)
		p.workerFinishedItem(w, item)
		return
	}
	w.mu.Lock()
	w.current = item
	w.lastStart = p.clock.Now()
	w.mu.Unlock()
	p.itemStarted(w.serial)

	item.Attempts++
	item.ResetChain(p.chain.First())
	w.runChain(item)

	w.mu.Lock()
	w.current = nil
	w.step = ""
	w.lastFinish = p.clock.Now()
	w.processed++
	w.mu.Unlock()

	item.Release(w.serial)
	p.frontier.Finished(item)
	p.workerFinishedItem(w, item)
}

// runChain chases the item's next-step pointer. Any step error ends the
// chain with a fault recorded against that step.
func (w *Worker) runChain(item *crawl.WorkItem) {
	p := w.pool
	for name := item.NextStep(); name != ""; name = item.NextStep() {
		if reason := w.leaving(); reason != nil {
			item.RecordFault(crawl.FaultAbandoned, name, reason)
			return
		}
		step, ok := p.chain.Lookup(name)
		if !ok {
			item.RecordFault(crawl.FaultStep, name, fmt.Errorf("unknown step %q", name))
			return
		}
		item.SetNextStep(p.chain.After(name))

		permit, err := p.gate.Acquire(w.ctx)
		if err != nil {
			item.RecordFault(crawl.FaultAbandoned, name, errKilled)
			return
		}
		// Stop may have arrived while blocked in Acquire.
		if reason := w.leaving(); reason != nil {
			p.gate.Release(permit)
			item.RecordFault(crawl.FaultAbandoned, name, reason)
			return
		}
		w.setStep(name)
		err = w.runStep(step.Process, item)
		if err != nil && errors.Is(err, crawl.ErrResourceExhausted) && !w.killed.Load() {
			if engageErr := p.gate.Engage(w.ctx, permit); engageErr == nil {
				p.logger.Error("resource exhausted, single-thread-mode engaged",
					zap.Int("serial", w.serial),
					zap.String("step", name),
					zap.String("uri", item.URI),
					zap.Error(err),
				)
			}
		}
		p.gate.Release(permit)

		if w.killed.Load() {
			item.RecordFault(crawl.FaultAbandoned, name, errKilled)
			return
		}
		if err != nil {
			kind := crawl.FaultStep
			if errors.Is(err, crawl.ErrResourceExhausted) {
				kind = crawl.FaultSerious
			}
			item.RecordFault(kind, name, err)
			p.logger.Debug("step fault",
				zap.Int("serial", w.serial),
				zap.String("step", name),
				zap.String("kind", string(kind)),
				zap.String("uri", item.URI),
				zap.Error(err),
			)
			return
		}
	}
}

func (w *Worker) leaving() error {
	if w.killed.Load() {
		return errKilled
	}
	if w.pool.Stopping() {
		return errStopped
	}
	return nil
}

func (w *Worker) setStep(name string) {
	w.mu.Lock()
	w.step = name
	w.mu.Unlock()
}

func (w *Worker) runStep(fn func(context.Context, *crawl.WorkItem) error, item *crawl.WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(w.ctx, item)
}
