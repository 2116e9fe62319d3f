// Package memory is a FIFO frontier kept in process memory. It is the
// reference frontier for crawlctl: ordering and politeness are out of its
// scope, but it honors the full crawl.Frontier contract, retries abandoned
// items and takes part in checkpoints.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/store/bigmap"
)

// StateFile is the file the frontier writes into each checkpoint.
const StateFile = "frontier.json"

const stateVersion = 1

// DefaultMaxAttempts bounds how often an abandoned item is retried.
const DefaultMaxAttempts = 3

// SeenSet records URIs already queued.
type SeenSet interface {
	PutIfAbsent(key string, v bool) (bool, error)
}

type memSeen struct {
	m map[string]bool
}

func (s *memSeen) PutIfAbsent(key string, v bool) (bool, error) {
	if _, ok := s.m[key]; ok {
		return false, nil
	}
	s.m[key] = v
	return true, nil
}

// Config wires a Frontier.
type Config struct {
	MaxAttempts int
	// Registry, when set, keeps the seen-URI set in a persistent big-map.
	Registry *bigmap.Registry
	Logger   *zap.Logger
}

// Counts are the frontier's bookkeeping totals.
type Counts struct {
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Bytes     int64 `json:"bytes"`
}

// Frontier is a FIFO crawl.Frontier.
type Frontier struct {
	maxAttempts int
	logger      *zap.Logger

	mu         sync.Mutex
	queue      []*crawl.WorkItem
	seen       SeenSet
	counts     Counts
	paused     bool
	terminated bool
	// changed is closed and replaced whenever Next might make progress.
	changed chan struct{}
}

// New builds an empty, paused frontier.
func New(cfg Config) (*Frontier, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	f := &Frontier{
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		paused:      true,
		changed:     make(chan struct{}),
	}
	if cfg.Registry != nil {
		seen, err := bigmap.Open[bool](cfg.Registry, "seen")
		if err != nil {
			return nil, fmt.Errorf("open seen map: %w", err)
		}
		f.seen = seen
	} else {
		f.seen = &memSeen{m: make(map[string]bool)}
	}
	return f, nil
}

func (f *Frontier) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Add queues uri unless it was seen before. It reports whether it queued.
func (f *Frontier) Add(uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	added, err := f.seen.PutIfAbsent(uri, true)
	if err != nil {
		return false, fmt.Errorf("record seen uri: %w", err)
	}
	if !added {
		return false, nil
	}
	item := crawl.NewWorkItem(uri)
	f.queue = append(f.queue, item)
	f.counts.Queued = len(f.queue)
	f.notifyLocked()
	return true, nil
}

// Start implements crawl.Frontier. The frontier stays paused until Unpause.
func (f *Frontier) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return crawl.ErrFrontierTerminated
	}
	return nil
}

// Pause stops Next from handing out items.
func (f *Frontier) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

// Unpause lets Next hand out items again.
func (f *Frontier) Unpause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.notifyLocked()
}

// Terminate makes every current and future Next return ErrFrontierTerminated.
func (f *Frontier) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return
	}
	f.terminated = true
	f.notifyLocked()
}

// IsEmpty reports whether nothing is queued or in flight.
func (f *Frontier) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) == 0 && f.counts.InFlight == 0
}

// SucceededFetchCount implements crawl.Frontier.
func (f *Frontier) SucceededFetchCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts.Succeeded
}

// TotalBytesWritten implements crawl.Frontier.
func (f *Frontier) TotalBytesWritten() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts.Bytes
}

// Counts returns a copy of the bookkeeping totals.
func (f *Frontier) Counts() Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

// Next blocks until an item is available while unpaused.
func (f *Frontier) Next(ctx context.Context) (*crawl.WorkItem, error) {
	for {
		f.mu.Lock()
		if f.terminated {
			f.mu.Unlock()
			return nil, crawl.ErrFrontierTerminated
		}
		if !f.paused && len(f.queue) > 0 {
			item := f.queue[0]
			f.queue[0] = nil
			f.queue = f.queue[1:]
			f.counts.Queued = len(f.queue)
			f.counts.InFlight++
			f.mu.Unlock()
			return item, nil
		}
		changed := f.changed
		f.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("frontier next: %w", ctx.Err())
		}
	}
}

// Finished takes an item back. Abandoned items are queued again until
// they reach the attempt limit; everything else is counted.
func (f *Frontier) Finished(item *crawl.WorkItem) {
	if item == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts.InFlight > 0 {
		f.counts.InFlight--
	}
	switch {
	case item.Abandoned() && item.Attempts < f.maxAttempts:
		item.Fault = nil
		item.FetchStatus = crawl.StatusUnattempted
		f.queue = append(f.queue, item)
		f.counts.Queued = len(f.queue)
		f.counts.Retried++
		f.notifyLocked()
	case item.Succeeded():
		f.counts.Succeeded++
		f.counts.Bytes += item.ContentSize
	default:
		f.counts.Failed++
		if item.Fault != nil {
			f.logger.Debug("item failed",
				zap.String("uri", item.URI),
				zap.String("fault", string(item.Fault.Kind)),
				zap.String("step", item.Fault.Step),
			)
		}
	}
}

// OnCrawlEvent implements status.Listener.
func (f *Frontier) OnCrawlEvent(context.Context, status.Event) {}

type pendingItem struct {
	URI      string `json:"uri"`
	Attempts int    `json:"attempts"`
}

type savedState struct {
	Version int           `json:"version"`
	Pending []pendingItem `json:"pending"`
	Counts  Counts        `json:"counts"`
}

// CheckpointBegin writes the queue and counters into the checkpoint
// directory.
func (f *Frontier) CheckpointBegin(_ context.Context, cp status.Checkpoint) error {
	f.mu.Lock()
	st := savedState{Version: stateVersion, Counts: f.counts}
	if f.counts.InFlight != 0 {
		f.mu.Unlock()
		return fmt.Errorf("frontier has %d items in flight", st.Counts.InFlight)
	}
	st.Pending = make([]pendingItem, 0, len(f.queue))
	for _, it := range f.queue {
		st.Pending = append(st.Pending, pendingItem{URI: it.URI, Attempts: it.Attempts})
	}
	f.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal frontier state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cp.Dir, StateFile), data, 0o600); err != nil {
		return fmt.Errorf("write frontier state: %w", err)
	}
	return nil
}

// Restore loads a frontier.json written by CheckpointBegin. Restored URIs
// are not re-checked against the seen set, which recovery restores from
// the backing store.
func (f *Frontier) Restore(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- checkpoint path from operator config.
	if err != nil {
		return fmt.Errorf("read frontier state: %w", err)
	}
	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode frontier state: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("unsupported frontier state version %d", st.Version)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) > 0 || f.counts.InFlight > 0 {
		return errors.New("frontier is not empty")
	}
	for _, p := range st.Pending {
		it := crawl.NewWorkItem(p.URI)
		it.Attempts = p.Attempts
		f.queue = append(f.queue, it)
	}
	f.counts = st.Counts
	f.counts.InFlight = 0
	f.counts.Queued = len(f.queue)
	f.notifyLocked()
	return nil
}

// RecoverCheckpoint restores the frontier.json found in a checkpoint
// directory.
func (f *Frontier) RecoverCheckpoint(dir string) error {
	return f.Restore(filepath.Join(dir, StateFile))
}

var (
	_ crawl.Frontier               = (*Frontier)(nil)
	_ status.Listener              = (*Frontier)(nil)
	_ status.CheckpointParticipant = (*Frontier)(nil)
)
