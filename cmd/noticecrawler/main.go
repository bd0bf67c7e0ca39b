// Command noticecrawler runs the campus notice crawl service: an HTTP
// trigger surface, a crawl worker pool, and the enrichment claim loop, all
// in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/campusfeed/notice-crawler/internal/api"
	"github.com/campusfeed/notice-crawler/internal/archive"
	"github.com/campusfeed/notice-crawler/internal/clock/system"
	"github.com/campusfeed/notice-crawler/internal/config"
	"github.com/campusfeed/notice-crawler/internal/dispatch"
	"github.com/campusfeed/notice-crawler/internal/enrich"
	"github.com/campusfeed/notice-crawler/internal/executor"
	"github.com/campusfeed/notice-crawler/internal/extract"
	"github.com/campusfeed/notice-crawler/internal/fetch"
	"github.com/campusfeed/notice-crawler/internal/id/uuid"
	"github.com/campusfeed/notice-crawler/internal/lock"
	"github.com/campusfeed/notice-crawler/internal/logging"
	"github.com/campusfeed/notice-crawler/internal/payload"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
	"github.com/campusfeed/notice-crawler/internal/publisher"
	"github.com/campusfeed/notice-crawler/internal/queue"
	"github.com/campusfeed/notice-crawler/internal/redisconn"
	storepg "github.com/campusfeed/notice-crawler/internal/store/postgres"
	"github.com/campusfeed/notice-crawler/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "noticecrawler: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	idGen := uuid.New()

	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Crawl.UserAgent,
		MaxBytes:  cfg.Crawl.MaxBodyBytes,
		Timeout:   time.Duration(cfg.Crawl.FetchTimeoutSec) * time.Second,
	})

	registry, err := extract.NewRegistry(cfg.Sources, fetcher)
	if err != nil {
		return fmt.Errorf("build source registry: %w", err)
	}

	pool, err := storepg.NewPool(ctx, storepg.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	noticeStore, err := storepg.NewNoticeStore(pool)
	if err != nil {
		return err
	}
	ledger, err := storepg.NewRunLedger(pool, clk)
	if err != nil {
		return err
	}
	claimer, err := storepg.NewWorkClaimer(pool, clk)
	if err != nil {
		return err
	}

	var (
		locks pipeline.LockManager
		jobs  pipeline.Queue
	)
	if cfg.Redis.Addr != "" {
		redisClient, redisErr := redisconn.New(ctx, redisconn.Options{
			Addr:        cfg.Redis.Addr,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: time.Duration(cfg.Redis.DialTimeoutS) * time.Second,
		}, logger)
		if redisErr != nil {
			return redisErr
		}
		defer func() { _ = redisClient.Close() }()

		locks = lock.NewRedisManager(redisClient, idGen, lock.Config{
			KeyPrefix: cfg.Lock.KeyPrefix,
			TTL:       time.Duration(cfg.Lock.TTLSeconds) * time.Second,
		})
		if cfg.Queue.Provider == "redis" {
			jobs = queue.NewRedis(redisClient, clk, queue.RedisConfig{
				Key:          cfg.Queue.Key,
				PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
			})
		}
	} else {
		logger.Warn("redis not configured, using in-process locks; do not run more than one replica")
		locks = lock.NewMemoryManager(idGen, clk, time.Duration(cfg.Lock.TTLSeconds)*time.Second)
	}
	if jobs == nil {
		jobs = queue.NewMemory(cfg.Queue.Depth, clk)
	}

	blobs, err := buildArchive(ctx, cfg.Archive, logger)
	if err != nil {
		return err
	}
	events, err := buildPublisher(ctx, cfg.Publish)
	if err != nil {
		return err
	}

	builder := payload.New(cfg.Crawl.MaxBodyBytes, logger)
	exec := executor.New(registry, builder, noticeStore, ledger, blobs, events, clk, executor.Config{
		PoliteDelay:        time.Duration(cfg.Crawl.PoliteDelayMs) * time.Millisecond,
		ChunkSize:          cfg.Crawl.UpsertChunkSize,
		ArchiveContentType: cfg.Crawl.ArchiveContentType,
	}, logger)

	retryPolicy := worker.NewExponentialRetryPolicy(
		cfg.Worker.MaxAttempts,
		time.Duration(cfg.Worker.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Worker.BackoffMaxSec)*time.Second,
	)
	workers := worker.New(jobs, exec, locks, clk, retryPolicy, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
	}, logger)

	dispatcher := dispatch.New(registry, locks, jobs, idGen, clk,
		time.Duration(cfg.Trigger.StaggerSeconds)*time.Second, logger)

	server := api.NewServer(dispatcher, ledger, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}, api.Config{TriggerSecret: cfg.Trigger.Secret}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.Run(ctx)
	}()

	if cfg.Enrich.Enabled {
		loop := enrich.New(claimer, enrich.NewHeuristic(), enrich.Config{
			ClaimsPerSecond: cfg.Enrich.ClaimsPerSecond,
			IdleSleep:       time.Duration(cfg.Enrich.IdleSleepMs) * time.Millisecond,
			StaleAfter:      time.Duration(cfg.Enrich.StaleAfterMin) * time.Minute,
			ReclaimEvery:    time.Duration(cfg.Enrich.ReclaimEveryMin) * time.Minute,
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	grace := time.Duration(cfg.Worker.ShutdownGraceS) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (pipeline.BlobStore, error) {
	switch cfg.Provider {
	case "noop":
		return archive.NewNoop(), nil
	case "memory":
		return archive.NewMemory(), nil
	case "local":
		return archive.NewLocal(cfg.Dir)
	case "gcs":
		return archive.NewGCS(ctx, cfg.Bucket, cfg.Prefix, logger)
	default:
		return nil, fmt.Errorf("unknown archive.provider: %s", cfg.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.PublishConfig) (pipeline.Publisher, error) {
	switch cfg.Provider {
	case "noop":
		return publisher.NewNoop(), nil
	case "memory":
		return publisher.NewMemory(), nil
	case "pubsub":
		return publisher.NewPubSub(ctx, cfg.ProjectID, cfg.TopicID)
	default:
		return nil, fmt.Errorf("unknown publish.provider: %s", cfg.Provider)
	}
}
