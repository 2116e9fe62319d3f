package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlctl/internal/storage"
)

func TestRecordRunUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedgerWithPool(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	ended := started.Add(time.Hour)
	run := storage.Run{
		CrawlID:   "crawl-1",
		StartedAt: started,
		EndedAt:   &ended,
		Exit:      "finished",
		Documents: 42,
		Bytes:     4096,
	}

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(run.CrawlID, run.StartedAt, run.EndedAt, run.Exit, run.Documents, run.Bytes).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.RecordRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCheckpointInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedgerWithPool(mock, "ops")
	require.NoError(t, err)

	row := storage.CheckpointRow{
		CrawlID:   "crawl-1",
		Name:      "cp-000002",
		Dir:       "/tmp/checkpoints/cp-000002",
		Status:    "failed",
		StartedAt: time.Unix(1700000000, 0).UTC(),
		Elapsed:   1500 * time.Millisecond,
		Error:     "disk full",
	}

	mock.ExpectExec("INSERT INTO ops_checkpoints").
		WithArgs(row.CrawlID, row.Name, row.Dir, row.Status, row.StartedAt, int64(1500), row.Error).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, ledger.RecordCheckpoint(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedgerWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err = ledger.RecordRun(context.Background(), storage.Run{CrawlID: "crawl-1"})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLedgerWithPoolValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := NewLedgerWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewLedgerWithPool(mock, "bad-prefix;")
	require.ErrorContains(t, err, "invalid table prefix")
}

func TestLedgerRejectsMissingIDs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ledger, err := NewLedgerWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, ledger.RecordRun(context.Background(), storage.Run{}))
	require.Error(t, ledger.RecordCheckpoint(context.Background(), storage.CheckpointRow{CrawlID: "x"}))
}
