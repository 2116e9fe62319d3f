package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawlctl/internal/crawl"
	"github.com/JakeFAU/crawlctl/internal/status"
	"github.com/JakeFAU/crawlctl/internal/storage"
)

var ts = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func checkpointEnd(statusText, errText string) status.Event {
	return status.Event{
		CrawlID: "crawl-1",
		Kind:    status.KindCheckpointEnd,
		State:   crawl.StatePaused,
		TS:      ts,
		Checkpoint: &status.CheckpointInfo{
			Name:    "cp-000001",
			Dir:     "/ck/cp-000001",
			Status:  statusText,
			Elapsed: 2 * time.Second,
			Error:   errText,
		},
	}
}

func TestLogSinkWarnsOnFailedCheckpoint(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	sink.OnCrawlEvent(context.Background(), status.Event{CrawlID: "crawl-1", Kind: status.KindRunning, State: crawl.StateRunning, TS: ts})
	sink.OnCrawlEvent(context.Background(), checkpointEnd("failed", "disk full"))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "RUNNING", entries[0].ContextMap()["state"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "disk full", entries[1].ContextMap()["error"])
}

func TestPrometheusSinkTracksStateAndCheckpoints(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	sink.OnCrawlEvent(context.Background(), status.Event{Kind: status.KindRunning, State: crawl.StateRunning, TS: ts, Totals: status.Totals{Documents: 3, Bytes: 300}})
	sink.OnCrawlEvent(context.Background(), checkpointEnd("succeeded", ""))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("RUNNING")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.state.WithLabelValues("PAUSED")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.state.WithLabelValues("RUNNING")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.checkpoints.WithLabelValues("succeeded")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.checkpointDuration, "crawl_checkpoint_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "double registration must fail")
}

func TestPubSubSinkPublishesEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "crawl-events")
	require.NoError(t, err)

	sink, err := NewPubSubSink(topic, zap.NewNop())
	require.NoError(t, err)

	sink.OnCrawlEvent(ctx, status.Event{CrawlID: "crawl-1", Kind: status.KindEnded, State: crawl.StateFinished, TS: ts, Exit: crawl.ExitDocLimit})
	require.NoError(t, sink.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "ENDED", msgs[0].Attributes["kind"])

	var body Message
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "crawl-1", body.CrawlID)
	require.Equal(t, "FINISHED", body.State)
	require.Equal(t, "doc-limit", body.Exit)
	require.Nil(t, body.Checkpoint)
}

func TestNewPubSubSinkRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := NewPubSubSink(nil, nil)
	require.Error(t, err)
}

func TestLedgerSinkRecordsRunAndCheckpoints(t *testing.T) {
	t.Parallel()

	ledger := new(storage.MockLedger)
	ledger.On("RecordRun", mock.Anything, storage.Run{CrawlID: "crawl-1", StartedAt: ts}).Return(nil).Once()
	ledger.On("RecordCheckpoint", mock.Anything, mock.MatchedBy(func(row storage.CheckpointRow) bool {
		return row.Name == "cp-000001" && row.StartedAt.Equal(ts.Add(-2*time.Second)) && row.Status == "succeeded"
	})).Return(nil).Once()
	ledger.On("RecordRun", mock.Anything, mock.MatchedBy(func(run storage.Run) bool {
		return run.EndedAt != nil && run.Exit == "finished" && run.StartedAt.Equal(ts) && run.Documents == 9
	})).Return(errors.New("ledger offline")).Once()

	sink := NewLedgerSink(ledger, nil)
	ctx := context.Background()
	sink.OnCrawlEvent(ctx, status.Event{CrawlID: "crawl-1", Kind: status.KindStarted, TS: ts})
	sink.OnCrawlEvent(ctx, status.Event{CrawlID: "crawl-1", Kind: status.KindRunning, TS: ts})
	sink.OnCrawlEvent(ctx, checkpointEnd("succeeded", ""))
	sink.OnCrawlEvent(ctx, status.Event{
		CrawlID: "crawl-1",
		Kind:    status.KindEnded,
		TS:      ts.Add(time.Hour),
		Exit:    crawl.ExitFinished,
		Totals:  status.Totals{Documents: 9},
	})

	ledger.AssertExpectations(t)
}
