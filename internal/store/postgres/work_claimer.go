package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// WorkClaimer hands out pending notices to enrichment workers. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block on or double-claim
// the same row, and the select-then-update runs inside one transaction so a
// claimed row is already marked processing by the time the lock drops.
type WorkClaimer struct {
	pool  dbPool
	clock pipeline.Clock
}

// NewWorkClaimer constructs a WorkClaimer on an existing pool.
func NewWorkClaimer(pool dbPool, clock pipeline.Clock) (*WorkClaimer, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &WorkClaimer{pool: pool, clock: clock}, nil
}

// ClaimNext claims the oldest pending notice that no human has edited.
// ok=false with a nil error means the backlog is empty.
func (c *WorkClaimer) ClaimNext(ctx context.Context) (pipeline.ClaimedNotice, bool, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return pipeline.ClaimedNotice{}, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	selectQuery := `
SELECT id, source_id, external_id, title, url, raw_body, attachments
FROM notices
WHERE ai_status = 'pending' AND NOT manual_edit
ORDER BY updated_at ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`

	var (
		n          pipeline.ClaimedNotice
		attachJSON []byte
	)
	err = tx.QueryRow(ctx, selectQuery).Scan(
		&n.ID,
		&n.SourceID,
		&n.ExternalID,
		&n.Title,
		&n.URL,
		&n.RawBody,
		&attachJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ClaimedNotice{}, false, nil
	}
	if err != nil {
		return pipeline.ClaimedNotice{}, false, fmt.Errorf("select claimable notice: %w", err)
	}
	if len(attachJSON) > 0 {
		if err := json.Unmarshal(attachJSON, &n.Attachments); err != nil {
			return pipeline.ClaimedNotice{}, false, fmt.Errorf("decode attachments for notice %d: %w", n.ID, err)
		}
	}

	updateQuery := `UPDATE notices SET ai_status = 'processing', claimed_at = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, updateQuery, n.ID, c.clock.Now()); err != nil {
		return pipeline.ClaimedNotice{}, false, fmt.Errorf("mark notice %d processing: %w", n.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pipeline.ClaimedNotice{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return n, true, nil
}

// Complete stores enrichment output and advances the notice to done.
func (c *WorkClaimer) Complete(ctx context.Context, noticeID int64, enr pipeline.Enrichment) error {
	datesJSON, err := json.Marshal(enr.Dates)
	if err != nil {
		return fmt.Errorf("marshal dates for notice %d: %w", noticeID, err)
	}
	eligJSON, err := json.Marshal(enr.Eligibility)
	if err != nil {
		return fmt.Errorf("marshal eligibility for notice %d: %w", noticeID, err)
	}
	tagsJSON, err := json.Marshal(enr.Hashtags)
	if err != nil {
		return fmt.Errorf("marshal hashtags for notice %d: %w", noticeID, err)
	}

	query := `
UPDATE notices
SET ai_status = 'done',
	ai_dates = $2,
	ai_eligibility = $3,
	ai_hashtags = $4,
	enriched_at = $5,
	claimed_at = NULL
WHERE id = $1 AND ai_status = 'processing'`
	tag, err := c.pool.Exec(ctx, query, noticeID, datesJSON, eligJSON, tagsJSON, c.clock.Now())
	if err != nil {
		return fmt.Errorf("complete notice %d: %w", noticeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete notice %d: %w", noticeID, pipeline.ErrNotFound)
	}
	return nil
}

// ReclaimStale resets notices stuck in processing longer than maxAge back to
// pending, so a crashed worker's claims get picked up again.
func (c *WorkClaimer) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := c.clock.Now().Add(-maxAge)
	query := `
UPDATE notices
SET ai_status = 'pending', claimed_at = NULL
WHERE ai_status = 'processing' AND claimed_at < $1`
	tag, err := c.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale notices: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
