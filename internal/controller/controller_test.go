package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/chain"
	"github.com/JakeFAU/crawlctl/internal/checkpoint"
	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/frontier/memory"
	"github.com/JakeFAU/crawlctl/internal/pool"
	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/store"
	"github.com/JakeFAU/crawlctl/internal/store/bigmap"
	"github.com/JakeFAU/crawlctl/internal/throttle"
)

const waitFor = 5 * time.Second

type eventLog struct {
	mu    sync.Mutex
	kinds []status.Kind
	exits []crawl.ExitClass
}

func (l *eventLog) OnCrawlEvent(_ context.Context, evt status.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, evt.Kind)
	if evt.Kind == status.KindEnded {
		l.exits = append(l.exits, evt.Exit)
	}
}

func (l *eventLog) Kinds() []status.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]status.Kind(nil), l.kinds...)
}

// gatedStep blocks every item until release is closed.
type gatedStep struct {
	release chan struct{}
}

func (gatedStep) Name() string { return "gated" }

func (s gatedStep) Process(ctx context.Context, _ *crawl.WorkItem) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sizeStep marks the item fetched with a fixed content size.
type sizeStep struct {
	size int64
}

func (sizeStep) Name() string { return "size" }

func (s sizeStep) Process(_ context.Context, item *crawl.WorkItem) error {
	item.FetchStatus = 200
	item.ContentSize = s.size
	return nil
}

type harness struct {
	ctrl     *Controller
	frontier *memory.Frontier
	events   *eventLog
}

func seedURIs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://example.com/page/%d", i)
	}
	return out
}

func newHarness(t *testing.T, cfg Config, steps []chain.Step, seeds []string, extra ...status.Listener) *harness {
	t.Helper()
	if cfg.Dirs.Working == "" {
		cfg.Dirs.Working = t.TempDir()
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = 10 * time.Millisecond
	}
	h := &harness{events: &eventLog{}}
	deps := Deps{
		Frontier: func(reg *bigmap.Registry, logger *zap.Logger) (crawl.Frontier, error) {
			f, err := memory.New(memory.Config{Registry: reg, Logger: logger})
			if err != nil {
				return nil, err
			}
			h.frontier = f
			return f, nil
		},
		Listeners: append([]status.Listener{h.events}, extra...),
	}
	if steps != nil {
		deps.Chain = func(*zap.Logger) (*chain.Chain, error) { return chain.New(steps...) }
	}
	ctrl, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = ctrl.Close(ctx)
	})
	h.ctrl = ctrl
	for _, u := range seeds {
		_, err := h.frontier.Add(u)
		require.NoError(t, err)
	}
	return h
}

func (h *harness) await(t *testing.T, states ...crawl.State) crawl.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	st, err := h.ctrl.AwaitState(ctx, states...)
	require.NoError(t, err, "last state %s", st)
	return st
}

func TestCrawlRunsToFinished(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 3}, nil, seedURIs(10))
	require.Equal(t, crawl.StateNascent, h.ctrl.State())
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StateFinished)

	require.Equal(t, crawl.ExitFinished, h.ctrl.Exit())
	counts := h.frontier.Counts()
	require.EqualValues(t, 10, counts.Succeeded)
	require.Zero(t, counts.InFlight)
	require.True(t, h.frontier.IsEmpty())
	require.Zero(t, h.ctrl.WorkerSummary().Active)

	kinds := h.events.Kinds()
	require.Equal(t, []status.Kind{status.KindPreparing, status.KindStarted}, kinds[:2])
	require.Contains(t, kinds, status.KindRunning)
	require.Equal(t, []status.Kind{status.KindStopping, status.KindEnded}, kinds[len(kinds)-2:])

	work := h.ctrl.Dirs().Working
	require.FileExists(t, filepath.Join(work, CrawlReportFile))
	require.FileExists(t, filepath.Join(work, WorkersReportFile))
	manifest, err := os.ReadFile(filepath.Join(work, ManifestFile))
	require.NoError(t, err)
	require.Contains(t, string(manifest), "L "+filepath.Join(h.ctrl.Dirs().Logs, "crawl.log"))
	require.Contains(t, string(manifest), "R "+filepath.Join(work, CrawlReportFile))

	crawlLog, err := os.ReadFile(filepath.Join(h.ctrl.Dirs().Logs, "crawl.log"))
	require.NoError(t, err)
	require.Equal(t, 10, strings.Count(string(crawlLog), "\n"))
}

func TestPauseWaitsForActiveWorkers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, Config{PoolSize: 2}, []chain.Step{gatedStep{release: release}}, seedURIs(6))
	require.NoError(t, h.ctrl.RequestStart())
	require.Eventually(t, func() bool { return h.ctrl.WorkerSummary().Active == 2 }, waitFor, 5*time.Millisecond)
	h.await(t, crawl.StateRunning)

	require.NoError(t, h.ctrl.RequestPause())
	require.Equal(t, crawl.StatePausing, h.ctrl.State())
	require.Never(t, func() bool { return h.ctrl.State() == crawl.StatePaused }, 100*time.Millisecond, 5*time.Millisecond)

	close(release)
	h.await(t, crawl.StatePaused)
	require.Zero(t, h.ctrl.WorkerSummary().Active)
	paused := h.frontier.Counts()
	require.EqualValues(t, 2, paused.Succeeded)
	require.Never(t, func() bool { return h.frontier.Counts().Succeeded != 2 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, h.ctrl.RequestResume())
	h.await(t, crawl.StateFinished)
	require.EqualValues(t, 6, h.frontier.Counts().Succeeded)
	require.Contains(t, h.events.Kinds(), status.KindResumed)
}

func TestCheckpointFromPaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 2, PauseAtStart: true, SegmentMaxBytes: 256}, nil, seedURIs(20))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)

	segments, err := store.ListSegments(h.ctrl.Dirs().State)
	require.NoError(t, err)
	done, err := h.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	var rec checkpoint.Record
	select {
	case rec = <-done:
	case <-time.After(waitFor):
		t.Fatal("checkpoint did not complete")
	}
	require.Equal(t, checkpoint.StatusSucceeded, rec.Status, rec.Error)
	require.Equal(t, "cp-000001", rec.Name)
	require.Equal(t, filepath.Join(h.ctrl.Dirs().Checkpoints, "cp-000001"), rec.Dir)
	require.Equal(t, crawl.StatePaused, h.ctrl.State())

	manifest, err := checkpoint.ReadManifest(filepath.Join(rec.Dir, checkpoint.ManifestFile))
	require.NoError(t, err)
	require.GreaterOrEqual(t, manifest[len(manifest)-1], segments[len(segments)-1])
	after, err := store.ListSegments(h.ctrl.Dirs().State)
	require.NoError(t, err)
	require.NotContains(t, manifest, after[len(after)-1])
	require.FileExists(t, filepath.Join(rec.Dir, checkpoint.SnapshotFile))
	require.FileExists(t, filepath.Join(rec.Dir, memory.StateFile))
	require.FileExists(t, filepath.Join(h.ctrl.Dirs().Logs, "crawl.log.cp-000001"))

	done, err = h.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	second := <-done
	require.Equal(t, "cp-000002", second.Name)
	require.Len(t, h.ctrl.Checkpoints(), 2)

	kinds := h.events.Kinds()
	require.Contains(t, kinds, status.KindCheckpointBegin)
	require.Equal(t, status.KindCheckpointEnd, kinds[len(kinds)-1])
}

func TestDataLimitStopsCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 1, Limits: Limits{MaxBytes: 1000}},
		[]chain.Step{sizeStep{size: 500}}, seedURIs(10))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StateFinished)

	require.Equal(t, crawl.ExitDataLimit, h.ctrl.Exit())
	require.GreaterOrEqual(t, h.frontier.TotalBytesWritten(), int64(1000))
	require.Less(t, h.frontier.Counts().Succeeded, int64(10))
	require.Equal(t, []crawl.ExitClass{crawl.ExitDataLimit}, h.events.exits)
}

func TestDocumentLimitStopsCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 1, Limits: Limits{MaxDocuments: 3}}, nil, seedURIs(10))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StateFinished)
	require.Equal(t, crawl.ExitDocLimit, h.ctrl.Exit())
}

func TestInvalidTransitionsLeaveStateAlone(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, Config{PoolSize: 1}, []chain.Step{gatedStep{release: release}}, seedURIs(3))

	_, err := h.ctrl.RequestCheckpoint(context.Background())
	require.ErrorIs(t, err, crawl.ErrInvalidTransition)
	require.ErrorIs(t, h.ctrl.RequestPause(), crawl.ErrInvalidTransition)
	require.ErrorIs(t, h.ctrl.RequestResume(), crawl.ErrInvalidTransition)
	require.Equal(t, crawl.StateNascent, h.ctrl.State())

	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StateRunning)
	require.ErrorIs(t, h.ctrl.RequestStart(), crawl.ErrInvalidTransition)
	_, err = h.ctrl.RequestCheckpoint(context.Background())
	require.ErrorIs(t, err, crawl.ErrInvalidTransition)
	require.ErrorIs(t, h.ctrl.RequestResume(), crawl.ErrInvalidTransition)
	require.Equal(t, crawl.StateRunning, h.ctrl.State())

	require.Error(t, h.ctrl.RequestStop("bored"))
	require.NoError(t, h.ctrl.RequestStop(crawl.ExitAborted))
	require.ErrorIs(t, h.ctrl.RequestStop(crawl.ExitAborted), crawl.ErrInvalidTransition)
	// The in-flight step is allowed to finish.
	close(release)
	h.await(t, crawl.StateFinished)
	require.Equal(t, crawl.ExitAborted, h.ctrl.Exit())
	require.ErrorIs(t, h.ctrl.RequestPause(), crawl.ErrInvalidTransition)
}

// blockingParticipant holds checkpoint-begin until release is closed.
type blockingParticipant struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (p *blockingParticipant) OnCrawlEvent(context.Context, status.Event) {}

func (p *blockingParticipant) CheckpointBegin(context.Context, status.Checkpoint) error {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return nil
}

func TestResumeDuringCheckpointIsDeferred(t *testing.T) {
	t.Parallel()

	bp := &blockingParticipant{release: make(chan struct{}), entered: make(chan struct{})}
	h := newHarness(t, Config{PoolSize: 1, PauseAtStart: true}, nil, seedURIs(4), bp)
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)

	done, err := h.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	<-bp.entered
	require.Equal(t, crawl.StateCheckpointing, h.ctrl.State())
	require.NoError(t, h.ctrl.RequestResume())
	require.Equal(t, crawl.StateCheckpointing, h.ctrl.State())

	close(bp.release)
	rec := <-done
	require.Equal(t, checkpoint.StatusSucceeded, rec.Status, rec.Error)
	h.await(t, crawl.StateRunning, crawl.StateStopping, crawl.StateFinished)
	h.await(t, crawl.StateFinished)
	require.EqualValues(t, 4, h.frontier.Counts().Succeeded)
}

func TestStopDuringCheckpointIsDeferred(t *testing.T) {
	t.Parallel()

	bp := &blockingParticipant{release: make(chan struct{}), entered: make(chan struct{})}
	h := newHarness(t, Config{PoolSize: 1, PauseAtStart: true}, nil, seedURIs(4), bp)
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)

	done, err := h.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	<-bp.entered
	require.NoError(t, h.ctrl.RequestStop(crawl.ExitAborted))
	require.Equal(t, crawl.StateCheckpointing, h.ctrl.State())
	close(bp.release)
	<-done
	h.await(t, crawl.StateFinished)
	require.Equal(t, crawl.ExitAborted, h.ctrl.Exit())
}

func TestFailedCheckpointReturnsToPaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 1, PauseAtStart: true}, nil, seedURIs(2))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)
	// A file where the checkpoint directory should go makes step one fail.
	require.NoError(t, os.MkdirAll(h.ctrl.Dirs().Checkpoints, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(h.ctrl.Dirs().Checkpoints, "cp-000001"), nil, 0o600))

	done, err := h.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	rec := <-done
	require.True(t, rec.Failed())
	require.NotEmpty(t, rec.Error)
	require.Equal(t, crawl.StatePaused, h.ctrl.State())

	done, err = h.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	rec = <-done
	require.Equal(t, "cp-000002", rec.Name)
	require.Equal(t, checkpoint.StatusSucceeded, rec.Status, rec.Error)
}

func TestRecoverFromCheckpoint(t *testing.T) {
	t.Parallel()

	first := newHarness(t, Config{PoolSize: 2, PauseAtStart: true}, nil, seedURIs(5))
	require.NoError(t, first.ctrl.RequestStart())
	first.await(t, crawl.StatePaused)
	done, err := first.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	rec := <-done
	require.Equal(t, checkpoint.StatusSucceeded, rec.Status, rec.Error)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, first.ctrl.Close(ctx))

	second := newHarness(t, Config{PauseAtStart: true, RecoverFrom: rec.Dir}, nil, nil)
	require.Equal(t, first.ctrl.CrawlID(), second.ctrl.CrawlID())
	require.Equal(t, 5, second.frontier.Counts().Queued)
	// Seen URIs survive, so seeds are not queued twice.
	added, err := second.frontier.Add(seedURIs(1)[0])
	require.NoError(t, err)
	require.False(t, added)

	require.NoError(t, second.ctrl.RequestStart())
	second.await(t, crawl.StatePaused)
	require.Equal(t, 2, second.ctrl.Report().PoolSize)
	done, err = second.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cp-000002", (<-done).Name)

	require.NoError(t, second.ctrl.RequestResume())
	second.await(t, crawl.StateFinished)
	require.EqualValues(t, 5, second.frontier.Counts().Succeeded)
}

func TestSingleThreadModeClearedOnResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 3, PauseAtStart: true}, nil, seedURIs(3))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)
	require.NoError(t, h.ctrl.EngageSingleThreadMode(context.Background()))
	require.True(t, h.ctrl.SingleThreadMode())
	require.True(t, h.ctrl.Report().SingleThreadMode)
	require.NoError(t, h.ctrl.RequestResume())
	require.False(t, h.ctrl.SingleThreadMode())
	h.await(t, crawl.StateFinished)
}

func TestResizeAndKill(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, Config{PoolSize: 2}, []chain.Step{gatedStep{release: release}}, seedURIs(8))
	require.NoError(t, h.ctrl.RequestStart())
	require.Eventually(t, func() bool { return h.ctrl.WorkerSummary().Active == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.ctrl.ResizePool(4))
	require.Eventually(t, func() bool { return h.ctrl.WorkerSummary().Total == 4 }, waitFor, 5*time.Millisecond)
	workers := h.ctrl.Workers()
	require.Len(t, workers, 4)

	require.NoError(t, h.ctrl.KillWorker(workers[0].Serial, false))
	require.Eventually(t, func() bool { return h.ctrl.WorkerSummary().Total == 3 }, waitFor, 5*time.Millisecond)
	require.Error(t, h.ctrl.KillWorker(999, false))
	require.Equal(t, 3, h.ctrl.Report().Workers.Total)
}

func TestConstructionFailureReleasesResources(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	_, err := New(Config{Dirs: Dirs{Working: work}, RecoverFrom: filepath.Join(work, "missing")}, Deps{
		Frontier: func(*bigmap.Registry, *zap.Logger) (crawl.Frontier, error) { return memory.New(memory.Config{}) },
	})
	require.Error(t, err)

	_, err = New(Config{Dirs: Dirs{Working: work}}, Deps{})
	require.ErrorContains(t, err, "frontier factory")
	_, err = New(Config{PoolSize: -1, Dirs: Dirs{Working: work}}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{
		Frontier: func(*bigmap.Registry, *zap.Logger) (crawl.Frontier, error) { return memory.New(memory.Config{}) },
	})
	require.ErrorContains(t, err, "working directory")
}

func TestElapsedExcludesPausedTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 1, PauseAtStart: true}, nil, seedURIs(1))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)
	before := h.ctrl.Elapsed()
	time.Sleep(50 * time.Millisecond)
	require.InDelta(t, before.Seconds(), h.ctrl.Elapsed().Seconds(), 0.02)
}

// pausedIdleCheck counts Paused events delivered while the pool still had
// an item in flight. Listeners run under the controller lock, so the pool
// count read here is the one the transition was decided on.
type pausedIdleCheck struct {
	pool   atomic.Pointer[pool.Pool]
	paused atomic.Int32
	busy   atomic.Int32
}

func (c *pausedIdleCheck) OnCrawlEvent(_ context.Context, evt status.Event) {
	if evt.Kind != status.KindPaused {
		return
	}
	p := c.pool.Load()
	if p == nil {
		return
	}
	c.paused.Add(1)
	if p.ActiveCount() != 0 {
		c.busy.Add(1)
	}
}

func TestPauseResumeWithSingleWorkerNeverPausesBusy(t *testing.T) {
	t.Parallel()

	check := &pausedIdleCheck{}
	h := newHarness(t, Config{PoolSize: 1}, []chain.Step{chain.StepFunc{
		StepName: "tick",
		Fn: func(context.Context, *crawl.WorkItem) error {
			time.Sleep(100 * time.Microsecond)
			return nil
		},
	}}, seedURIs(400), check)
	check.pool.Store(h.ctrl.pool)
	require.NoError(t, h.ctrl.RequestStart())

	for range 50 {
		if err := h.ctrl.RequestPause(); err != nil {
			require.ErrorIs(t, err, crawl.ErrInvalidTransition)
			break
		}
		st := h.await(t, crawl.StatePaused, crawl.StateFinished)
		if st == crawl.StateFinished {
			break
		}
		require.Zero(t, h.ctrl.pool.ActiveCount())
		require.NoError(t, h.ctrl.RequestResume())
	}
	if err := h.ctrl.RequestStop(crawl.ExitAborted); err != nil {
		// The frontier ran dry first.
		require.ErrorIs(t, err, crawl.ErrInvalidTransition)
	}
	h.await(t, crawl.StateFinished)

	require.Positive(t, check.paused.Load())
	require.Zero(t, check.busy.Load(), "reached Paused with an item in flight")
}

func TestTimeLimitStopsCrawl(t *testing.T) {
	t.Parallel()

	slow := chain.StepFunc{
		StepName: "slow",
		Fn: func(context.Context, *crawl.WorkItem) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	}
	h := newHarness(t, Config{PoolSize: 1, PauseAtStart: true, Limits: Limits{MaxTime: 150 * time.Millisecond}},
		[]chain.Step{slow}, seedURIs(100))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)

	// Time spent paused is longer than the limit but must not count.
	time.Sleep(300 * time.Millisecond)
	require.Less(t, h.ctrl.Elapsed(), 150*time.Millisecond)
	require.NoError(t, h.ctrl.RequestResume())
	h.await(t, crawl.StateFinished)

	require.Equal(t, crawl.ExitTimeLimit, h.ctrl.Exit())
	require.Equal(t, []crawl.ExitClass{crawl.ExitTimeLimit}, h.events.exits)
	done := h.frontier.Counts().Succeeded
	require.GreaterOrEqual(t, done, int64(3), "crawl stopped before using its running time")
	require.Less(t, done, int64(100))
}

func TestCheckpointRecordsThrottleEngagedByWorker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PoolSize: 1, PauseAtStart: true}, nil, seedURIs(2))
	require.NoError(t, h.ctrl.RequestStart())
	h.await(t, crawl.StatePaused)

	// Same path a worker takes on resource exhaustion: engage, then give
	// the permission back, leaving the gate engaged.
	permit := &throttle.Permit{}
	require.NoError(t, h.ctrl.gate.Engage(context.Background(), permit))
	h.ctrl.gate.Release(permit)
	require.False(t, h.ctrl.singleThread)

	done, err := h.ctrl.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	rec := <-done
	require.Equal(t, checkpoint.StatusSucceeded, rec.Status, rec.Error)

	snap, err := checkpoint.LoadSnapshot(filepath.Join(rec.Dir, checkpoint.SnapshotFile))
	require.NoError(t, err)
	require.True(t, snap.SingleThreadMode)
}
