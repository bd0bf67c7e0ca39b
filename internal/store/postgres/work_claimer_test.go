package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

func TestClaimNextClaimsAndMarksProcessing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	claimer, err := NewWorkClaimer(mock, fixedClock{now: now})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FOR UPDATE SKIP LOCKED").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source_id", "external_id", "title", "url", "raw_body", "attachments",
		}).AddRow(int64(42), int64(1), "1042", "장학금 공지", "https://x", "<p>a</p>", []byte(`[{"name":"양식.hwp"}]`)))
	mock.ExpectExec("UPDATE notices").
		WithArgs(int64(42), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	notice, ok, err := claimer.ClaimNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), notice.ID)
	require.Equal(t, "1042", notice.ExternalID)
	require.Equal(t, []pipeline.Attachment{{Name: "양식.hwp"}}, notice.Attachments)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyBacklog(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	claimer, err := NewWorkClaimer(mock, fixedClock{now: time.Unix(1700000000, 0)})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FOR UPDATE SKIP LOCKED").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	notice, ok, err := claimer.ClaimNext(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, notice.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWritesEnrichment(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	claimer, err := NewWorkClaimer(mock, fixedClock{now: now})
	require.NoError(t, err)

	enr := pipeline.Enrichment{
		Dates:    []pipeline.NoticeDate{{Type: "deadline", Date: "2026-03-01"}},
		Hashtags: []string{"장학금"},
	}
	mock.ExpectExec("UPDATE notices").
		WithArgs(
			int64(42),
			[]byte(`[{"type":"deadline","date":"2026-03-01"}]`),
			[]byte(`null`),
			[]byte(`["장학금"]`),
			now,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, claimer.Complete(context.Background(), 42, enr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteUnclaimedNoticeFails(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	claimer, err := NewWorkClaimer(mock, fixedClock{now: time.Unix(1700000000, 0)})
	require.NoError(t, err)

	// The row is no longer in processing (reclaimed or edited); the
	// guarded update touches nothing.
	mock.ExpectExec("UPDATE notices").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = claimer.Complete(context.Background(), 42, pipeline.Enrichment{})
	require.Error(t, err)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStaleResetsOldClaims(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	claimer, err := NewWorkClaimer(mock, fixedClock{now: now})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE notices").
		WithArgs(now.Add(-30 * time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := claimer.ReclaimStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
