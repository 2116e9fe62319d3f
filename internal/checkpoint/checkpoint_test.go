package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/storage/memory"
	"github.com/JakeFAU/crawlctl/internal/store"
	"github.com/JakeFAU/crawlctl/internal/store/bigmap"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, s)
}

type fakeParticipant struct {
	log *orderLog
	err error
}

func (p *fakeParticipant) CheckpointBegin(_ context.Context, cp status.Checkpoint) error {
	p.log.add("begin:" + cp.Name)
	if p.err != nil {
		return p.err
	}
	return os.WriteFile(filepath.Join(cp.Dir, "participant.txt"), []byte("ok"), 0o600)
}

type fakeRoller struct{ log *orderLog }

func (r *fakeRoller) Roll(tag string) ([]string, error) {
	r.log.add("roll:" + tag)
	return nil, nil
}

type fakeState struct {
	log *orderLog
}

func (s *fakeState) WriteCheckpointState(_ context.Context, name, dir string) error {
	s.log.add("state:" + name)
	return WriteSnapshot(filepath.Join(dir, SnapshotFile), Snapshot{
		CrawlID:    "crawl-1",
		Checkpoint: name,
		Sequence:   1,
		PoolSize:   3,
		NextSerial: 3,
	})
}

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	st, err := store.Open(dir, store.Options{SegmentMaxBytes: 128})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSequenceNeverRepeats(t *testing.T) {
	t.Parallel()

	seq := NewSequence(0)
	require.Equal(t, "cp-000001", seq.Next())
	require.Equal(t, "cp-000002", seq.Next())
	seq.Advance(1)
	require.Equal(t, "cp-000003", seq.Next())
	seq.Advance(41)
	require.Equal(t, "cp-000042", seq.Next())
	require.Equal(t, 42, seq.Last())

	n, ok := ParseName("cp-000042")
	require.True(t, ok)
	require.Equal(t, 42, n)
	for _, bad := range []string{"cp-42", "checkpoint-000001", "cp-000000", "cp-00000x"} {
		_, ok := ParseName(bad)
		require.False(t, ok, bad)
	}
}

func TestManifestSegmentsStopsAtLast(t *testing.T) {
	t.Parallel()

	got := ManifestSegments([]string{"00000003.seg", "00000001.seg", "00000002.seg", "00000000.seg"}, "00000002.seg")
	require.Equal(t, []string{"00000000.seg", "00000001.seg", "00000002.seg"}, got)
}

func TestCoordinatorRunFromPaused(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	st := openStore(t, filepath.Join(root, "state"))
	reg := bigmap.NewRegistry(st, 0)
	seen, err := bigmap.Open[bool](reg, "seen")
	require.NoError(t, err)
	for _, u := range []string{"https://a.example/", "https://b.example/", "https://c.example/", "https://d.example/"} {
		require.NoError(t, seen.Put(u, true))
	}

	log := &orderLog{}
	b := status.NewBroadcaster(nil)
	b.RegisterParticipant(&fakeParticipant{log: log})
	coord, err := NewCoordinator(Config{
		Root:         filepath.Join(root, "checkpoints"),
		Participants: b,
		Logs:         &fakeRoller{log: log},
		Maps:         reg,
		Store:        st,
		State:        &fakeState{log: log},
		Clock:        &stepClock{now: time.Unix(0, 0)},
	})
	require.NoError(t, err)

	require.Equal(t, 4, seen.Dirty())
	require.NoError(t, reg.SyncAll())
	before := st.Segments()
	require.NoError(t, seen.Put("https://e.example/", true))
	rec := coord.Run(context.Background(), NewSequence(0).Next())
	require.Equal(t, StatusSucceeded, rec.Status, rec.Error)
	require.Equal(t, "cp-000001", rec.Name)
	require.Equal(t, filepath.Join(root, "checkpoints", "cp-000001"), rec.Dir)
	require.Equal(t, time.Second, rec.Elapsed)
	require.Equal(t, []string{"begin:cp-000001", "roll:cp-000001", "state:cp-000001"}, log.steps)

	manifest, err := ReadManifest(filepath.Join(rec.Dir, ManifestFile))
	require.NoError(t, err)
	require.NotEmpty(t, manifest)
	// Everything up to the active segment is covered; nothing after the
	// store checkpoint is.
	require.GreaterOrEqual(t, manifest[len(manifest)-1], before[len(before)-1])
	require.Subset(t, manifest, before)
	after := st.Segments()
	require.Greater(t, len(after), len(manifest))
	require.NotContains(t, manifest, after[len(after)-1])
	for _, name := range manifest {
		require.FileExists(t, filepath.Join(rec.Dir, StoreDir, name))
	}
	require.FileExists(t, filepath.Join(rec.Dir, "participant.txt"))
	require.True(t, st.CleanerEnabled())
	require.Zero(t, seen.Dirty())

	snap, err := LoadSnapshot(filepath.Join(rec.Dir, SnapshotFile))
	require.NoError(t, err)
	require.Equal(t, "cp-000001", snap.Checkpoint)
	require.Equal(t, SnapshotVersion, snap.Version)
}

func TestCoordinatorFailureIsRecorded(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	log := &orderLog{}
	coord, err := NewCoordinator(Config{
		Root:         root,
		Participants: &fakeParticipant{log: log, err: errors.New("queue flush failed")},
		Logs:         &fakeRoller{log: log},
		State:        &fakeState{log: log},
	})
	require.NoError(t, err)

	rec := coord.Run(context.Background(), "cp-000001")
	require.True(t, rec.Failed())
	require.Contains(t, rec.Error, "queue flush failed")
	require.Equal(t, []string{"begin:cp-000001"}, log.steps)

	// A name is never reused, even after a failure.
	rec = coord.Run(context.Background(), "cp-000001")
	require.True(t, rec.Failed())
	require.Contains(t, rec.Error, "create checkpoint dir")
}

func TestRecoverRestoresStoreAndSkipsExisting(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "state"), store.Options{SegmentMaxBytes: 128})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, st.Put(string(rune('a'+i)), []byte("value")))
	}
	coord, err := NewCoordinator(Config{Root: filepath.Join(root, "checkpoints"), Store: st})
	require.NoError(t, err)
	rec := coord.Run(context.Background(), "cp-000001")
	require.Equal(t, StatusSucceeded, rec.Status, rec.Error)
	require.NoError(t, st.Put("after", []byte("not in checkpoint")))
	require.NoError(t, st.Close())

	fresh := filepath.Join(root, "fresh")
	require.NoError(t, os.MkdirAll(fresh, 0o750))
	manifest, err := ReadManifest(filepath.Join(rec.Dir, ManifestFile))
	require.NoError(t, err)
	existing := filepath.Join(fresh, manifest[0])
	require.NoError(t, copyFile(filepath.Join(rec.Dir, StoreDir, manifest[0]), existing))

	copied, err := Recover(rec.Dir, fresh)
	require.NoError(t, err)
	require.Equal(t, manifest[1:], copied)

	restored := openStore(t, fresh)
	require.Equal(t, 20, restored.Len())
	_, ok, err := restored.Get("after")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := Snapshot{
		CrawlID:    "crawl-1",
		Checkpoint: "cp-000002",
		Sequence:   2,
		TakenAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ElapsedMS:  90_000,
		PoolSize:   4,
		NextSerial: 6,
		Documents:  10,
		Bytes:      2048,
		BigMaps:    []bigmap.State{{Name: "seen", Count: 10}},
	}
	path := filepath.Join(dir, SnapshotFile)
	require.NoError(t, WriteSnapshot(path, good))
	got, err := LoadSnapshot(path)
	require.NoError(t, err)
	good.Version = SnapshotVersion
	require.Equal(t, good, got)
	require.Equal(t, 90*time.Second, got.Elapsed())

	bad := good
	bad.Checkpoint = "yesterday"
	require.ErrorContains(t, WriteSnapshot(filepath.Join(dir, "bad.json"), bad), "invalid snapshot")

	require.NoError(t, os.WriteFile(path, []byte(`{"version": 2, "crawl_id": "x"}`), 0o600))
	_, err = LoadSnapshot(path)
	require.ErrorContains(t, err, "invalid snapshot")
}

func TestCopyConfig(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "crawl.yaml"), []byte("pool:\n  size: 3\n"), 0o600))
	cp := t.TempDir()
	require.NoError(t, CopyConfig(src, cp))
	require.FileExists(t, filepath.Join(cp, ConfigDir, "crawl.yaml"))
	require.NoError(t, CopyConfig(filepath.Join(src, "missing"), cp))
	require.NoError(t, CopyConfig("", cp))
}

func TestMirrorUploadsCheckpointTree(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, StoreDir), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("00000000.seg\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, StoreDir, "00000000.seg"), []byte("data"), 0o600))

	blobs := memory.NewBlobStore()
	m, err := NewMirror(blobs, nil)
	require.NoError(t, err)
	n, err := m.Upload(context.Background(), dir, "cp-000007")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"cp-000007/store.manifest", "cp-000007/store/00000000.seg"}, blobs.Paths())
	data, ok := blobs.Get("cp-000007/store/00000000.seg")
	require.True(t, ok)
	require.Equal(t, "data", string(data))

	_, err = NewMirror(nil, nil)
	require.Error(t, err)
}

type fakeCrawl struct {
	mu      sync.Mutex
	state   crawl.State
	calls   []string
	records int
}

func (f *fakeCrawl) State() crawl.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCrawl) RequestPause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pause")
	f.state = crawl.StatePaused
	return nil
}

func (f *fakeCrawl) RequestResume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resume")
	f.state = crawl.StateRunning
	return nil
}

func (f *fakeCrawl) RequestCheckpoint(context.Context) (<-chan Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "checkpoint")
	f.records++
	ch := make(chan Record, 1)
	ch <- Record{Name: Name(f.records), Status: StatusSucceeded}
	return ch, nil
}

func (f *fakeCrawl) AwaitState(context.Context, ...crawl.State) (crawl.State, error) {
	return f.State(), nil
}

func TestSchedulerRunOnce(t *testing.T) {
	t.Parallel()

	fc := &fakeCrawl{state: crawl.StateRunning}
	s := NewScheduler(fc, time.Second, nil)
	rec, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cp-000001", rec.Name)
	require.Equal(t, []string{"pause", "checkpoint", "resume"}, fc.calls)
	require.Equal(t, crawl.StateRunning, fc.State())

	fc.state = crawl.StatePaused
	fc.calls = nil
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"checkpoint"}, fc.calls)
	require.Equal(t, crawl.StatePaused, fc.State())

	fc.state = crawl.StateStopping
	_, err = s.RunOnce(context.Background())
	require.ErrorIs(t, err, crawl.ErrInvalidTransition)
}

func TestSchedulerSchedule(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&fakeCrawl{}, 0, nil)
	require.Nil(t, s.NextRunAt())
	require.Error(t, s.SetSchedule("every tuesday"))
	require.NoError(t, s.SetSchedule("@every 1h"))
	require.Equal(t, "@every 1h", s.CronExpr())
	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool {
		next := s.NextRunAt()
		return next != nil && time.Until(*next) > 59*time.Minute
	}, time.Second, 10*time.Millisecond)
}
