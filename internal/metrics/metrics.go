// Package metrics exposes the Prometheus collectors shared across the
// crawl pipeline. Collectors are registered on the default registry at
// init time and served by the HTTP layer at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished crawl runs by source and final status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticecrawler",
		Name:      "runs_total",
		Help:      "Finished crawl runs by source and status.",
	}, []string{"source", "status"})

	// ItemsIngested counts notices written or updated by the upsert.
	ItemsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticecrawler",
		Name:      "items_ingested_total",
		Help:      "Notices inserted or updated, by source.",
	}, []string{"source"})

	// ItemsSkipped counts list entries dropped before upsert.
	ItemsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticecrawler",
		Name:      "items_skipped_total",
		Help:      "List entries absorbed or dropped during a crawl, by source and reason.",
	}, []string{"source", "reason"})

	// FetchErrors counts failed page fetches by error kind.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticecrawler",
		Name:      "fetch_errors_total",
		Help:      "Failed page fetches by source and error kind.",
	}, []string{"source", "kind"})

	// FetchBytes observes fetched body sizes.
	FetchBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "noticecrawler",
		Name:      "fetch_body_bytes",
		Help:      "Fetched body sizes in bytes.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	})

	// LockDenials counts trigger attempts skipped because the source lock
	// was already held.
	LockDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticecrawler",
		Name:      "lock_denials_total",
		Help:      "Trigger attempts denied by a held source lock.",
	}, []string{"source"})

	// QueueDepth gauges how many jobs are waiting or delayed.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "noticecrawler",
		Name:      "queue_depth",
		Help:      "Crawl jobs waiting in the queue.",
	})

	// RunDuration observes end-to-end crawl run time per source.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "noticecrawler",
		Name:      "run_duration_seconds",
		Help:      "End-to-end crawl run duration by source.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"source"})

	// ClaimsTotal counts enrichment claim attempts by outcome.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noticecrawler",
		Name:      "enrich_claims_total",
		Help:      "Enrichment claim attempts by outcome.",
	}, []string{"outcome"})

	// StaleReclaimed counts notices returned to pending after a worker
	// died mid-enrichment.
	StaleReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "noticecrawler",
		Name:      "enrich_stale_reclaimed_total",
		Help:      "Notices reset from processing back to pending.",
	})
)
