// Package executor runs one crawl pass over a single source: list, fetch
// details politely, normalize, and flush upserts in chunks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/fetch"
	"github.com/campusfeed/notice-crawler/internal/metrics"
	"github.com/campusfeed/notice-crawler/internal/payload"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Config tunes a crawl pass.
type Config struct {
	// PoliteDelay is the pause between consecutive detail fetches.
	PoliteDelay time.Duration
	// ChunkSize bounds how many records one upsert statement carries.
	ChunkSize int
	// ArchiveContentType is stamped on archived page snapshots.
	ArchiveContentType string
}

// Result summarizes one finished crawl pass.
type Result struct {
	// Listed is how many links the list page yielded.
	Listed int
	// Ingested is how many rows the upsert inserted or rewrote.
	Ingested int
	// Skipped counts items absorbed or dropped before upsert.
	Skipped int
	// ChangedIDs are the notice ids the upsert reported back.
	ChangedIDs []int64
}

// changedEvent is the payload published after a pass that changed rows.
type changedEvent struct {
	SourceCode string  `json:"source_code"`
	JobID      string  `json:"job_id"`
	ChangedIDs []int64 `json:"changed_ids"`
}

// SourceRegistry resolves a source code to its configuration and scraping
// strategy. *extract.Registry satisfies it.
type SourceRegistry interface {
	Source(code string) (pipeline.Source, error)
	Extractor(code string) (pipeline.Extractor, error)
}

// Executor crawls one source end to end.
type Executor struct {
	registry  SourceRegistry
	builder   *payload.Builder
	store     pipeline.NoticeStore
	ledger    pipeline.RunLedger
	archive   pipeline.BlobStore
	publisher pipeline.Publisher
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Executor.
func New(
	registry SourceRegistry,
	builder *payload.Builder,
	store pipeline.NoticeStore,
	ledger pipeline.RunLedger,
	archive pipeline.BlobStore,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	return &Executor{
		registry:  registry,
		builder:   builder,
		store:     store,
		ledger:    ledger,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run crawls the job's source. Per-item fetch and parse failures are
// absorbed so one broken notice page never sinks the rest of the pass, and
// a failing list page ends the pass early as a success with nothing listed;
// an upsert failure fails the run. The ledger is updated on both paths, and
// partial progress flushed before a failure stays flushed.
func (e *Executor) Run(ctx context.Context, job pipeline.QueueItem) (Result, error) {
	src, err := e.registry.Source(job.SourceCode)
	if err != nil {
		return Result{}, err
	}
	ex, err := e.registry.Extractor(job.SourceCode)
	if err != nil {
		return Result{}, err
	}

	if err := e.ledger.Start(ctx, src.ID, job.JobID); err != nil {
		return Result{}, fmt.Errorf("record run start: %w", err)
	}
	started := e.clock.Now()

	res, runErr := e.crawl(ctx, src, ex, job)

	status := pipeline.RunSuccess
	errMsg := ""
	if runErr != nil {
		status = pipeline.RunFailed
		errMsg = runErr.Error()
	}
	if finErr := e.ledger.Finish(ctx, job.JobID, status, res.Ingested, errMsg); finErr != nil {
		e.logger.Error("record run finish",
			zap.String("job_id", job.JobID), zap.Error(finErr))
	}
	metrics.RunsTotal.WithLabelValues(src.Code, string(status)).Inc()
	metrics.RunDuration.WithLabelValues(src.Code).Observe(e.clock.Now().Sub(started).Seconds())

	if runErr == nil && len(res.ChangedIDs) > 0 {
		e.publishChanged(ctx, src.Code, job.JobID, res.ChangedIDs)
	}
	return res, runErr
}

func (e *Executor) crawl(ctx context.Context, src pipeline.Source, ex pipeline.Extractor, job pipeline.QueueItem) (Result, error) {
	var res Result

	links, err := ex.List(ctx, src.ListURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, fmt.Errorf("list %s: %w", src.Code, err)
		}
		// An unreachable or broken list page means there is simply nothing
		// to ingest this pass; the next trigger tries again.
		var fetchErr *fetch.Error
		if errors.As(err, &fetchErr) {
			metrics.FetchErrors.WithLabelValues(src.Code, fetchErr.Kind.String()).Inc()
		}
		e.logger.Warn("list fetch failed, nothing to ingest",
			zap.String("source", src.Code),
			zap.String("url", fetch.TruncateURL(src.ListURL)),
			zap.Error(err),
		)
		return res, nil
	}
	res.Listed = len(links)

	seen := make(map[string]struct{}, len(links))
	batch := make([]pipeline.IngestionRecord, 0, e.cfg.ChunkSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, upErr := e.store.UpsertBatch(ctx, batch)
		if upErr != nil {
			return fmt.Errorf("upsert batch for %s: %w", src.Code, upErr)
		}
		res.Ingested += len(ids)
		res.ChangedIDs = append(res.ChangedIDs, ids...)
		metrics.ItemsIngested.WithLabelValues(src.Code).Add(float64(len(ids)))
		batch = batch[:0]
		return nil
	}

	for i, link := range links {
		if i > 0 {
			if err := e.politeWait(ctx); err != nil {
				return res, err
			}
		}

		detail, detErr := ex.Detail(ctx, link.URL)
		if detErr != nil {
			if !e.absorb(src.Code, link.URL, detErr) {
				return res, detErr
			}
			res.Skipped++
			continue
		}

		rec, ok := e.builder.Build(src.ID, link, link.URL, detail)
		if !ok {
			metrics.ItemsSkipped.WithLabelValues(src.Code, "unusable").Inc()
			res.Skipped++
			continue
		}
		if _, dup := seen[rec.ExternalID]; dup {
			metrics.ItemsSkipped.WithLabelValues(src.Code, "duplicate").Inc()
			res.Skipped++
			continue
		}
		seen[rec.ExternalID] = struct{}{}

		if src.Archive {
			e.snapshot(ctx, src.Code, job.JobID, rec.ExternalID, detail.BodyHTML)
		}

		batch = append(batch, rec)
		if len(batch) >= e.cfg.ChunkSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// absorb reports whether err is a per-item failure the pass survives.
// Network hiccups and oversized pages on a single notice are absorbed; a
// cancelled context never is.
func (e *Executor) absorb(sourceCode, url string, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fetchErr *fetch.Error
	if errors.As(err, &fetchErr) {
		metrics.FetchErrors.WithLabelValues(sourceCode, fetchErr.Kind.String()).Inc()
		e.logger.Warn("detail fetch failed, skipping item",
			zap.String("source", sourceCode),
			zap.String("kind", fetchErr.Kind.String()),
			zap.String("url", fetch.TruncateURL(url)),
			zap.Error(err),
		)
		return true
	}
	metrics.ItemsSkipped.WithLabelValues(sourceCode, "parse").Inc()
	e.logger.Warn("detail parse failed, skipping item",
		zap.String("source", sourceCode),
		zap.String("url", fetch.TruncateURL(url)),
		zap.Error(err),
	)
	return true
}

func (e *Executor) politeWait(ctx context.Context) error {
	if e.cfg.PoliteDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.cfg.PoliteDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) snapshot(ctx context.Context, sourceCode, jobID, externalID, body string) {
	path := fmt.Sprintf("%s/%s/%s.html", sourceCode, jobID, externalID)
	if _, err := e.archive.Put(ctx, path, e.cfg.ArchiveContentType, []byte(body)); err != nil {
		e.logger.Warn("archive snapshot failed",
			zap.String("source", sourceCode),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
	}
}

func (e *Executor) publishChanged(ctx context.Context, sourceCode, jobID string, ids []int64) {
	event := changedEvent{SourceCode: sourceCode, JobID: jobID, ChangedIDs: ids}
	if _, err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("publish changed-notice event",
			zap.String("source", sourceCode),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}
