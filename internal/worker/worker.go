// Package worker implements the crawl execution loop: dequeue a job, run
// it, and either retry, or release the source lock and move on.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/executor"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Runner executes one crawl job. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, job pipeline.QueueItem) (executor.Result, error)
}

// Config controls Pool behavior.
type Config struct {
	Concurrency int
}

// Pool consumes queue items with a fixed number of workers. Each job holds
// its source lock for as long as it lives, retries included; the lock is
// released only on a terminal outcome so no second crawl of the same source
// can start mid-retry.
type Pool struct {
	queue  pipeline.Queue
	runner Runner
	locks  pipeline.LockManager
	clock  pipeline.Clock
	policy RetryPolicy
	cfg    Config
	logger *zap.Logger
}

// New constructs a Pool.
func New(
	queue pipeline.Queue,
	runner Runner,
	locks pipeline.LockManager,
	clock pipeline.Clock,
	policy RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pool{
		queue:  queue,
		runner: runner,
		locks:  locks,
		clock:  clock,
		policy: policy,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	logger := p.logger.With(zap.Int("worker", workerID))
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued job",
			zap.String("job_id", item.JobID),
			zap.String("source", item.SourceCode),
			zap.Int("attempt", item.Attempt),
		)
		p.processJob(ctx, item, logger)
	}
}

func (p *Pool) processJob(ctx context.Context, item pipeline.QueueItem, logger *zap.Logger) {
	res, err := p.runner.Run(ctx, item)
	if err == nil {
		logger.Info("crawl run finished",
			zap.String("job_id", item.JobID),
			zap.String("source", item.SourceCode),
			zap.Int("listed", res.Listed),
			zap.Int("ingested", res.Ingested),
			zap.Int("skipped", res.Skipped),
		)
		p.releaseLock(ctx, item, logger)
		return
	}

	if p.policy.ShouldRetry(err, item.Attempt) {
		retry := item
		retry.Attempt++
		retry.NotBefore = p.clock.Now().Add(p.policy.Backoff(item.Attempt))
		enqErr := p.queue.Enqueue(ctx, retry)
		if enqErr == nil {
			logger.Warn("crawl run failed, retrying",
				zap.String("job_id", item.JobID),
				zap.String("source", item.SourceCode),
				zap.Int("next_attempt", retry.Attempt),
				zap.Error(err),
			)
			return
		}
		logger.Error("re-enqueue failed, abandoning job",
			zap.String("job_id", item.JobID), zap.Error(enqErr))
	} else {
		logger.Error("crawl run failed",
			zap.String("job_id", item.JobID),
			zap.String("source", item.SourceCode),
			zap.Int("attempt", item.Attempt),
			zap.Error(err),
		)
	}
	p.releaseLock(ctx, item, logger)
}

// releaseLock returns the source lock using the token minted at dispatch.
// A lock stolen by TTL expiry shows up here as released=false.
func (p *Pool) releaseLock(ctx context.Context, item pipeline.QueueItem, logger *zap.Logger) {
	released, err := p.locks.Release(ctx, item.SourceCode, item.LockToken)
	if err != nil {
		logger.Warn("lock release failed",
			zap.String("source", item.SourceCode), zap.Error(err))
		return
	}
	if !released {
		logger.Warn("lock was no longer held by this job",
			zap.String("source", item.SourceCode),
			zap.String("job_id", item.JobID),
		)
	}
}
