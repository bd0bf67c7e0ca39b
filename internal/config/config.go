// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig      `mapstructure:"server"`
	Trigger TriggerConfig     `mapstructure:"trigger"`
	Crawl   CrawlConfig       `mapstructure:"crawl"`
	Lock    LockConfig        `mapstructure:"lock"`
	Redis   RedisConfig       `mapstructure:"redis"`
	DB      DBConfig          `mapstructure:"db"`
	Queue   QueueConfig       `mapstructure:"queue"`
	Worker  WorkerConfig      `mapstructure:"worker"`
	Enrich  EnrichConfig      `mapstructure:"enrich"`
	Archive ArchiveConfig     `mapstructure:"archive"`
	Publish PublishConfig     `mapstructure:"publish"`
	Logging LoggingConfig     `mapstructure:"logging"`
	Sources []pipeline.Source `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// TriggerConfig governs the internal trigger endpoint.
type TriggerConfig struct {
	Secret         string `mapstructure:"secret"`
	StaggerSeconds int    `mapstructure:"stagger_seconds"`
}

// CrawlConfig governs fetch and executor behavior.
type CrawlConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	PoliteDelayMs      int    `mapstructure:"polite_delay_ms"`
	FetchTimeoutSec    int    `mapstructure:"fetch_timeout_seconds"`
	MaxBodyBytes       int64  `mapstructure:"max_body_bytes"`
	UpsertChunkSize    int    `mapstructure:"upsert_chunk_size"`
	ArchiveContentType string `mapstructure:"archive_content_type"`
}

// LockConfig controls the per-source distributed lock.
type LockConfig struct {
	KeyPrefix  string `mapstructure:"key_prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// RedisConfig controls access to the shared key-value store.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	DialTimeoutS int    `mapstructure:"dial_timeout_seconds"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueueConfig selects and sizes the crawl job queue.
type QueueConfig struct {
	Provider       string `mapstructure:"provider"` // memory | redis
	Key            string `mapstructure:"key"`
	Depth          int    `mapstructure:"depth"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// WorkerConfig sizes the crawl worker pool and its retry budget.
type WorkerConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	MaxAttempts    int `mapstructure:"max_attempts"`
	BackoffBaseMs  int `mapstructure:"backoff_base_ms"`
	BackoffMaxSec  int `mapstructure:"backoff_max_seconds"`
	ShutdownGraceS int `mapstructure:"shutdown_grace_seconds"`
}

// EnrichConfig controls the downstream claim loop.
type EnrichConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	ClaimsPerSecond float64 `mapstructure:"claims_per_second"`
	IdleSleepMs     int     `mapstructure:"idle_sleep_ms"`
	StaleAfterMin   int     `mapstructure:"stale_after_minutes"`
	ReclaimEveryMin int     `mapstructure:"reclaim_every_minutes"`
}

// ArchiveConfig selects the raw snapshot store.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"` // noop | memory | local | gcs
	Bucket   string `mapstructure:"bucket"`
	Dir      string `mapstructure:"dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PublishConfig selects the changed-notice event publisher.
type PublishConfig struct {
	Provider  string `mapstructure:"provider"` // noop | memory | pubsub
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("trigger.stagger_seconds", 300)
	v.SetDefault("crawl.user_agent", "notice-crawler/1.0 (+https://github.com/campusfeed/notice-crawler)")
	v.SetDefault("crawl.polite_delay_ms", 1000)
	v.SetDefault("crawl.fetch_timeout_seconds", 30)
	v.SetDefault("crawl.max_body_bytes", 5*1024*1024)
	v.SetDefault("crawl.upsert_chunk_size", 50)
	v.SetDefault("crawl.archive_content_type", "text/html; charset=utf-8")
	v.SetDefault("lock.key_prefix", "notice:trigger_lock:")
	v.SetDefault("lock.ttl_seconds", 600)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout_seconds", 5)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.key", "notice:crawl_queue")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base_ms", 250)
	v.SetDefault("worker.backoff_max_seconds", 60)
	v.SetDefault("worker.shutdown_grace_seconds", 30)
	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.claims_per_second", 1)
	v.SetDefault("enrich.idle_sleep_ms", 5000)
	v.SetDefault("enrich.stale_after_minutes", 30)
	v.SetDefault("enrich.reclaim_every_minutes", 10)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("publish.provider", "noop")
	v.SetDefault("logging.development", false)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be positive")
	}
	if c.Crawl.UpsertChunkSize <= 0 {
		return fmt.Errorf("crawl.upsert_chunk_size must be positive")
	}
	if c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be positive")
	}
	switch c.Queue.Provider {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("queue.provider redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown queue.provider: %s", c.Queue.Provider)
	}
	switch c.Archive.Provider {
	case "noop", "memory", "local", "gcs":
	default:
		return fmt.Errorf("unknown archive.provider: %s", c.Archive.Provider)
	}
	switch c.Publish.Provider {
	case "noop", "memory", "pubsub":
	default:
		return fmt.Errorf("unknown publish.provider: %s", c.Publish.Provider)
	}
	seenCodes := make(map[string]struct{}, len(c.Sources))
	seenIDs := make(map[int64]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s.Code == "" || s.ListURL == "" || s.Extractor == "" {
			return fmt.Errorf("source %q missing code, list_url, or extractor", s.Code)
		}
		if s.ID <= 0 {
			return fmt.Errorf("source %q: id must be positive", s.Code)
		}
		if _, dup := seenCodes[s.Code]; dup {
			return fmt.Errorf("duplicate source code: %s", s.Code)
		}
		if _, dup := seenIDs[s.ID]; dup {
			return fmt.Errorf("duplicate source id: %d", s.ID)
		}
		seenCodes[s.Code] = struct{}{}
		seenIDs[s.ID] = struct{}{}
	}
	return nil
}
