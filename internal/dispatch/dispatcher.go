// Package dispatch turns trigger requests into queued crawl jobs. A job is
// only enqueued once its source lock is held; the lock token travels with
// the job so the worker releases exactly the lock this dispatcher took.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/extract"
	"github.com/campusfeed/notice-crawler/internal/metrics"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Outcome classifies what happened to one source during a trigger.
type Outcome string

const (
	// OutcomeEnqueued means the lock was taken and a job queued.
	OutcomeEnqueued Outcome = "enqueued"
	// OutcomeSkipped means another holder owns the source lock.
	OutcomeSkipped Outcome = "skipped"
)

// Result reports the dispatch decision for one source.
type Result struct {
	SourceCode string        `json:"source_code"`
	Outcome    Outcome       `json:"outcome"`
	JobID      string        `json:"job_id,omitempty"`
	Delay      time.Duration `json:"-"`
	DelaySec   int           `json:"delay_seconds"`
}

// Dispatcher acquires per-source locks and enqueues crawl jobs.
type Dispatcher struct {
	registry *extract.Registry
	locks    pipeline.LockManager
	queue    pipeline.Queue
	idGen    pipeline.IDGenerator
	clock    pipeline.Clock
	stagger  time.Duration
	logger   *zap.Logger
}

// New constructs a Dispatcher. stagger spaces out jobs when a batch trigger
// covers more than one source.
func New(
	registry *extract.Registry,
	locks pipeline.LockManager,
	queue pipeline.Queue,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	stagger time.Duration,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		locks:    locks,
		queue:    queue,
		idGen:    idGen,
		clock:    clock,
		stagger:  stagger,
		logger:   logger,
	}
}

// TriggerAll dispatches every configured source. Sources whose lock is held
// elsewhere are skipped, not failed. When more than one source is enqueued
// the jobs are staggered so the targets are not hit at once. An
// infrastructure failure of the lock backend aborts the whole batch: a
// half-dispatched batch with an unhealthy lock store would double-crawl.
func (d *Dispatcher) TriggerAll(ctx context.Context) ([]Result, error) {
	sources := d.registry.Sources()
	results := make([]Result, 0, len(sources))
	enqueued := 0
	for _, src := range sources {
		var delay time.Duration
		if len(sources) > 1 {
			delay = time.Duration(enqueued) * d.stagger
		}
		res, err := d.dispatch(ctx, src, delay)
		if err != nil {
			return results, err
		}
		if res.Outcome == OutcomeEnqueued {
			enqueued++
		}
		results = append(results, res)
	}
	return results, nil
}

// TriggerOne dispatches a single source by code with no stagger delay.
func (d *Dispatcher) TriggerOne(ctx context.Context, sourceCode string) (Result, error) {
	src, err := d.registry.Source(sourceCode)
	if err != nil {
		return Result{}, err
	}
	return d.dispatch(ctx, src, 0)
}

func (d *Dispatcher) dispatch(ctx context.Context, src pipeline.Source, delay time.Duration) (Result, error) {
	granted, token, err := d.locks.Acquire(ctx, src.Code)
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock for %s: %w", src.Code, err)
	}
	if !granted {
		metrics.LockDenials.WithLabelValues(src.Code).Inc()
		d.logger.Info("source locked, skipping", zap.String("source", src.Code))
		return Result{SourceCode: src.Code, Outcome: OutcomeSkipped}, nil
	}

	jobID, err := d.idGen.NewID()
	if err != nil {
		d.releaseAfterFailure(ctx, src.Code, token)
		return Result{}, fmt.Errorf("generate job id: %w", err)
	}

	item := pipeline.QueueItem{
		JobID:      jobID,
		SourceCode: src.Code,
		LockToken:  token,
		Attempt:    1,
		NotBefore:  d.clock.Now().Add(delay),
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		// The lock must not outlive a job that never made it onto the
		// queue, or the source stays untriggerable until the TTL runs out.
		d.releaseAfterFailure(ctx, src.Code, token)
		return Result{}, fmt.Errorf("enqueue job for %s: %w", src.Code, err)
	}

	d.logger.Info("crawl job enqueued",
		zap.String("source", src.Code),
		zap.String("job_id", jobID),
		zap.Duration("delay", delay),
	)
	return Result{
		SourceCode: src.Code,
		Outcome:    OutcomeEnqueued,
		JobID:      jobID,
		Delay:      delay,
		DelaySec:   int(delay / time.Second),
	}, nil
}

func (d *Dispatcher) releaseAfterFailure(ctx context.Context, sourceCode, token string) {
	if _, err := d.locks.Release(ctx, sourceCode, token); err != nil {
		d.logger.Warn("release lock after dispatch failure",
			zap.String("source", sourceCode), zap.Error(err))
	}
}

// IsLockInfraError reports whether err is a lock backend failure rather
// than a plain denial.
func IsLockInfraError(err error) bool {
	return errors.Is(err, pipeline.ErrLockUnavailable)
}
