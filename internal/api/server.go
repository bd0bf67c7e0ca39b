// Package api exposes the HTTP interface for the notice crawler service.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/dispatch"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

const triggerHeader = "X-Crawl-Trigger-Secret"

// Config controls the HTTP server surface.
type Config struct {
	// TriggerSecret authorizes the crawl trigger endpoint. An empty value
	// makes the endpoint refuse all requests with 503: an unset secret is
	// a deployment fault, not an open door.
	TriggerSecret  string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the dispatcher and the run ledger.
type Server struct {
	router     chi.Router
	dispatcher *dispatch.Dispatcher
	ledger     pipeline.RunLedger
	ready      func(ctx context.Context) error
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready is probed
// by /readyz and may be nil.
func NewServer(
	dispatcher *dispatch.Dispatcher,
	ledger pipeline.RunLedger,
	ready func(ctx context.Context) error,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		dispatcher: dispatcher,
		ledger:     ledger,
		ready:      ready,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Post("/trigger-crawl", s.triggerCrawl)
		r.Get("/crawl-stats", s.crawlStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(s.logger, w, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

// triggerCrawl authenticates the caller and dispatches crawl jobs for every
// configured source, or a single source when ?source= is given. Sources
// whose lock is held elsewhere come back as skipped, not as errors.
func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TriggerSecret == "" {
		writeError(s.logger, w, http.StatusServiceUnavailable, "TRIGGER_DISABLED",
			"trigger secret is not configured")
		return
	}
	if !s.authorized(r) {
		writeError(s.logger, w, http.StatusUnauthorized, "BAD_SECRET", "invalid trigger secret")
		return
	}

	var (
		results []dispatch.Result
		err     error
	)
	if code := r.URL.Query().Get("source"); code != "" {
		var res dispatch.Result
		res, err = s.dispatcher.TriggerOne(r.Context(), code)
		if err == nil {
			results = []dispatch.Result{res}
		}
	} else {
		results, err = s.dispatcher.TriggerAll(r.Context())
	}

	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrUnknownSource):
			writeError(s.logger, w, http.StatusBadRequest, "UNKNOWN_SOURCE", err.Error())
		case dispatch.IsLockInfraError(err):
			writeError(s.logger, w, http.StatusServiceUnavailable, "LOCK_UNAVAILABLE", err.Error())
		default:
			writeError(s.logger, w, http.StatusServiceUnavailable, "ENQUEUE_FAILED", err.Error())
		}
		return
	}

	enqueued := make([]dispatch.Result, 0, len(results))
	skipped := make([]string, 0)
	for _, res := range results {
		if res.Outcome == dispatch.OutcomeEnqueued {
			enqueued = append(enqueued, res)
		} else {
			skipped = append(skipped, res.SourceCode)
		}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"enqueued": enqueued,
		"skipped":  skipped,
	})
}

// crawlStats returns recent run history. Run rows carry job ids and error
// messages, so the endpoint is gated by the same secret as the trigger.
func (s *Server) crawlStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TriggerSecret == "" {
		writeError(s.logger, w, http.StatusServiceUnavailable, "TRIGGER_DISABLED",
			"trigger secret is not configured")
		return
	}
	if !s.authorized(r) {
		writeError(s.logger, w, http.StatusUnauthorized, "BAD_SECRET", "invalid trigger secret")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			writeError(s.logger, w, http.StatusBadRequest, "BAD_LIMIT", "limit must be 1-200")
			return
		}
		limit = n
	}
	runs, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "LEDGER_ERROR", "failed to load crawl runs")
		return
	}
	if runs == nil {
		runs = []pipeline.RunSummary{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"runs": runs})
}

// authorized checks the trigger secret from the dedicated header or a
// bearer token, in constant time.
func (s *Server) authorized(r *http.Request) bool {
	secret := r.Header.Get(triggerHeader)
	if secret == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			secret = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.TriggerSecret)) == 1
}
