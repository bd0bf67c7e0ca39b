package pipeline

import (
	"context"
	"time"
)

// Extractor is the per-source scraping strategy. Implementations must be
// safe for concurrent use; the registry validates the closed set at startup.
type Extractor interface {
	List(ctx context.Context, listURL string) ([]Link, error)
	Detail(ctx context.Context, url string) (Detail, error)
}

// LockManager grants per-source exclusive execution permits. Acquire returns
// granted=false when another holder already owns the lock; infrastructure
// failures are returned as an error wrapping ErrLockUnavailable and must
// never be reported as a plain denial.
type LockManager interface {
	Acquire(ctx context.Context, sourceCode string) (granted bool, token string, err error)
	Release(ctx context.Context, sourceCode, token string) (bool, error)
}

// Queue provides delayed enqueue/dequeue semantics for crawl jobs. Dequeue
// blocks until an item's NotBefore has passed or the context finishes.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// NoticeStore performs the idempotent bulk upsert. The returned ids contain
// every newly inserted row and every row whose content fingerprint changed,
// and nothing else.
type NoticeStore interface {
	UpsertBatch(ctx context.Context, records []IngestionRecord) ([]int64, error)
}

// RunLedger records crawl run lifecycle. Start is keyed by jobID so a
// retried job collapses onto one logical run. Ledger state is advisory; it
// never gates ingestion.
type RunLedger interface {
	Start(ctx context.Context, sourceID int64, jobID string) error
	Finish(ctx context.Context, jobID string, status RunStatus, upserted int, errMsg string) error
	Recent(ctx context.Context, limit int) ([]RunSummary, error)
}

// WorkClaimer hands out newly-changed notices to the enrichment stage under
// exclusive, non-blocking claim semantics.
type WorkClaimer interface {
	// ClaimNext claims one pending notice, skipping rows locked by other
	// workers. ok=false with a nil error means nothing is claimable.
	ClaimNext(ctx context.Context) (notice ClaimedNotice, ok bool, err error)
	// Complete writes enrichment results and advances the notice to done.
	Complete(ctx context.Context, noticeID int64, enr Enrichment) error
	// ReclaimStale returns notices stuck in processing longer than maxAge
	// to the claimable state. Reports how many rows were reset.
	ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Enricher is the external enrichment collaborator.
type Enricher interface {
	Enrich(ctx context.Context, notice ClaimedNotice) (Enrichment, error)
}

// Publisher pushes changed-notice events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for fingerprints and URL-derived ids.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job ids and lock tokens.
type IDGenerator interface {
	NewID() (string, error)
}
