package memory

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlctl/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "cp-000001/frontier.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://cp-000001/frontier.json", uri)

	payload[0] = 'X'
	got, ok := store.Get("cp-000001/frontier.json")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, []string{"cp-000001/frontier.json"}, store.Paths())
}

func TestLedgerUpsertsRuns(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	started := time.Unix(100, 0).UTC()
	require.NoError(t, l.RecordRun(context.Background(), storage.Run{CrawlID: "c1", StartedAt: started}))
	ended := started.Add(time.Hour)
	require.NoError(t, l.RecordRun(context.Background(), storage.Run{CrawlID: "c1", EndedAt: &ended, Exit: "finished", Documents: 10}))

	run, ok := l.Run("c1")
	require.True(t, ok)
	require.Equal(t, started, run.StartedAt)
	require.Equal(t, "finished", run.Exit)
	require.EqualValues(t, 10, run.Documents)

	require.Error(t, l.RecordRun(context.Background(), storage.Run{}))
}

func TestLedgerRecordsCheckpoints(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	require.NoError(t, l.RecordCheckpoint(context.Background(), storage.CheckpointRow{CrawlID: "c1", Name: "cp-000001", Status: "succeeded"}))
	require.Error(t, l.RecordCheckpoint(context.Background(), storage.CheckpointRow{CrawlID: "c1"}))
	require.Len(t, l.Checkpoints(), 1)
}
