package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestRunLedgerStartIsIdempotentByJobID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	ledger, err := NewRunLedger(mock, fixedClock{now: now})
	require.NoError(t, err)

	// Two starts for the same job id hit the same conflict target; the
	// second resets the whole row, start time and count included, instead
	// of inserting a duplicate or keeping the prior attempt's outcome.
	for i := 0; i < 2; i++ {
		mock.ExpectExec(`(?s)INSERT INTO crawl_runs.*ON CONFLICT \(job_id\) DO UPDATE SET.*started_at = \$3.*upserted_count = 0.*error_message = NULL`).
			WithArgs("job-1", int64(3), now, pipeline.RunRunning).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, ledger.Start(context.Background(), 3, "job-1"))
	require.NoError(t, ledger.Start(context.Background(), 3, "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLedgerFinish(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	ledger, err := NewRunLedger(mock, fixedClock{now: now})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs("job-1", now, pipeline.RunSuccess, 7, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, ledger.Finish(context.Background(), "job-1", pipeline.RunSuccess, 7, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLedgerRecent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	finished := now.Add(time.Minute)
	ledger, err := NewRunLedger(mock, fixedClock{now: now})
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"code", "job_id", "started_at", "finished_at", "status", "upserted_count", "error_message",
	}).
		AddRow("cs", "job-2", now, &finished, pipeline.RunSuccess, 5, "").
		AddRow("me", "job-1", now.Add(-time.Hour), (*time.Time)(nil), pipeline.RunFailed, 0, "list failed")

	mock.ExpectQuery("SELECT (.+) FROM crawl_runs").
		WithArgs(2).
		WillReturnRows(rows)

	runs, err := ledger.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "cs", runs[0].SourceCode)
	require.Equal(t, pipeline.RunSuccess, runs[0].Status)
	require.Equal(t, 5, runs[0].UpsertedCount)
	require.NotNil(t, runs[0].FinishedAt)
	require.Equal(t, "list failed", runs[1].ErrorMessage)
	require.Nil(t, runs[1].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
