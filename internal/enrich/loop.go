// Package enrich drains the enrichment backlog: claim one pending notice at
// a time, run the enricher, and write the result back.
package enrich

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/campusfeed/notice-crawler/internal/metrics"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Config controls the claim loop.
type Config struct {
	// ClaimsPerSecond caps how fast claims are taken, protecting the
	// enrichment backend from a freshly ingested burst.
	ClaimsPerSecond float64
	// IdleSleep is the pause after finding an empty backlog.
	IdleSleep time.Duration
	// StaleAfter is how long a processing claim may sit before it is
	// treated as abandoned.
	StaleAfter time.Duration
	// ReclaimEvery is the interval between stale-claim sweeps.
	ReclaimEvery time.Duration
}

// Loop claims and enriches pending notices until its context finishes.
type Loop struct {
	claimer  pipeline.WorkClaimer
	enricher pipeline.Enricher
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Loop.
func New(claimer pipeline.WorkClaimer, enricher pipeline.Enricher, cfg Config, logger *zap.Logger) *Loop {
	if cfg.ClaimsPerSecond <= 0 {
		cfg.ClaimsPerSecond = 1
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = 5 * time.Minute
	}
	return &Loop{
		claimer:  claimer,
		enricher: enricher,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ClaimsPerSecond), 1),
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks until ctx finishes. Stale claims left by dead workers are
// swept back to pending on a timer alongside the claim loop.
func (l *Loop) Run(ctx context.Context) {
	reclaim := time.NewTicker(l.cfg.ReclaimEvery)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			l.reclaimStale(ctx)
		default:
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		if !l.claimOne(ctx) {
			if err := sleep(ctx, l.cfg.IdleSleep); err != nil {
				return
			}
		}
	}
}

// claimOne processes at most one notice and reports whether it found work.
func (l *Loop) claimOne(ctx context.Context) bool {
	notice, ok, err := l.claimer.ClaimNext(ctx)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		l.logger.Error("claim next notice", zap.Error(err))
		return false
	}
	if !ok {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		return false
	}
	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()

	enr, err := l.enricher.Enrich(ctx, notice)
	if err != nil {
		// The claim stays in processing; the stale sweep returns it to
		// pending once StaleAfter passes.
		l.logger.Error("enrich notice",
			zap.Int64("notice_id", notice.ID), zap.Error(err))
		return true
	}
	if err := l.claimer.Complete(ctx, notice.ID, enr); err != nil {
		l.logger.Error("complete notice",
			zap.Int64("notice_id", notice.ID), zap.Error(err))
		return true
	}
	l.logger.Info("notice enriched",
		zap.Int64("notice_id", notice.ID),
		zap.Int("dates", len(enr.Dates)),
		zap.Int("hashtags", len(enr.Hashtags)),
	)
	return true
}

func (l *Loop) reclaimStale(ctx context.Context) {
	n, err := l.claimer.ReclaimStale(ctx, l.cfg.StaleAfter)
	if err != nil {
		l.logger.Error("reclaim stale notices", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.StaleReclaimed.Add(float64(n))
		l.logger.Warn("reclaimed stale enrichment claims", zap.Int("count", n))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
