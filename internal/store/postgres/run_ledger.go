package postgres

import (
	"context"
	"fmt"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// RunLedger records crawl run lifecycle in the crawl_runs table. Rows are
// keyed by job id, so a retried job collapses onto one logical run instead
// of spawning a duplicate.
type RunLedger struct {
	pool  dbPool
	clock pipeline.Clock
}

// NewRunLedger constructs a RunLedger on an existing pool.
func NewRunLedger(pool dbPool, clock pipeline.Clock) (*RunLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunLedger{pool: pool, clock: clock}, nil
}

// Start marks the run as running. A second Start for the same job id resets
// the row back to running and clears the previous attempt's outcome.
func (l *RunLedger) Start(ctx context.Context, sourceID int64, jobID string) error {
	query := `
INSERT INTO crawl_runs (job_id, source_id, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO UPDATE SET
	started_at = $3,
	status = $4,
	upserted_count = 0,
	finished_at = NULL,
	error_message = NULL`
	if _, err := l.pool.Exec(ctx, query, jobID, sourceID, l.clock.Now(), pipeline.RunRunning); err != nil {
		return fmt.Errorf("start crawl run %s: %w", jobID, err)
	}
	return nil
}

// Finish records the run outcome. errMsg is stored as NULL when empty.
func (l *RunLedger) Finish(ctx context.Context, jobID string, status pipeline.RunStatus, upserted int, errMsg string) error {
	query := `
UPDATE crawl_runs
SET finished_at = $2, status = $3, upserted_count = $4, error_message = NULLIF($5, '')
WHERE job_id = $1`
	if _, err := l.pool.Exec(ctx, query, jobID, l.clock.Now(), status, upserted, errMsg); err != nil {
		return fmt.Errorf("finish crawl run %s: %w", jobID, err)
	}
	return nil
}

// Recent returns the latest runs joined with their source code.
func (l *RunLedger) Recent(ctx context.Context, limit int) ([]pipeline.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
SELECT s.code, r.job_id, r.started_at, r.finished_at, r.status, COALESCE(r.upserted_count, 0), COALESCE(r.error_message, '')
FROM crawl_runs r
JOIN sources s ON s.id = r.source_id
ORDER BY r.started_at DESC
LIMIT $1`
	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.RunSummary
	for rows.Next() {
		var s pipeline.RunSummary
		if err := rows.Scan(
			&s.SourceCode,
			&s.JobID,
			&s.StartedAt,
			&s.FinishedAt,
			&s.Status,
			&s.UpsertedCount,
			&s.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan crawl run: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read crawl runs: %w", err)
	}
	return out, nil
}
