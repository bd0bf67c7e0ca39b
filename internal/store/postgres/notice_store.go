package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

const noticeColumns = 9

// NoticeStore performs the idempotent bulk upsert into the notices table.
type NoticeStore struct {
	pool dbPool
}

// NewNoticeStore constructs a NoticeStore on an existing pool.
func NewNoticeStore(pool dbPool) (*NoticeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &NoticeStore{pool: pool}, nil
}

// UpsertBatch writes records in one multi-row statement. The conflict
// predicate only rewrites a row when its content fingerprint actually
// differs, so re-crawling unchanged notices touches nothing. The returned
// ids cover every inserted row and every row the update rewrote; rows whose
// fingerprint matched are absent. A rewritten row drops back to the pending
// enrichment state so changed content gets re-enriched.
func (s *NoticeStore) UpsertBatch(ctx context.Context, records []pipeline.IngestionRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`
INSERT INTO notices (
	source_id,
	external_id,
	title,
	url,
	raw_body,
	media,
	attachments,
	content_fingerprint,
	published_at
) VALUES `)

	args := make([]any, 0, len(records)*noticeColumns)
	for i, rec := range records {
		mediaJSON, err := json.Marshal(normalizeMedia(rec.Media))
		if err != nil {
			return nil, fmt.Errorf("marshal media for %s: %w", rec.ExternalID, err)
		}
		attachJSON, err := json.Marshal(normalizeAttachments(rec.Attachments))
		if err != nil {
			return nil, fmt.Errorf("marshal attachments for %s: %w", rec.ExternalID, err)
		}
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * noticeColumns
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args,
			rec.SourceID,
			rec.ExternalID,
			rec.Title,
			rec.URL,
			rec.RawBody,
			mediaJSON,
			attachJSON,
			rec.ContentFingerprint,
			rec.PublishedAt,
		)
	}

	sb.WriteString(`
ON CONFLICT (source_id, external_id) DO UPDATE SET
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	raw_body = EXCLUDED.raw_body,
	media = EXCLUDED.media,
	attachments = EXCLUDED.attachments,
	content_fingerprint = EXCLUDED.content_fingerprint,
	published_at = EXCLUDED.published_at,
	ai_status = 'pending',
	updated_at = now()
WHERE notices.content_fingerprint IS DISTINCT FROM EXCLUDED.content_fingerprint
RETURNING id`)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("upsert notices: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan upserted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read upserted ids: %w", err)
	}
	return ids, nil
}

func normalizeMedia(m []pipeline.MediaRef) []pipeline.MediaRef {
	if m == nil {
		return []pipeline.MediaRef{}
	}
	return m
}

func normalizeAttachments(a []pipeline.Attachment) []pipeline.Attachment {
	if a == nil {
		return []pipeline.Attachment{}
	}
	return a
}
