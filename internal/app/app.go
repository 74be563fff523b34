package app

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/icsara/docpipe/internal/cache"
	"github.com/icsara/docpipe/internal/common"
	"github.com/icsara/docpipe/internal/queue"
	"github.com/icsara/docpipe/internal/repository"
	"github.com/icsara/docpipe/internal/store"
)

// Components is the wired object graph every binary starts from. Which
// backend serves each role is decided by configuration alone: DSN prefix for
// the ledger, AMQP URL presence for the queue, S3 endpoint presence for the
// store, Redis address presence for the cache.
type Components struct {
	Config *common.Config
	Logger *slog.Logger
	DB     *sql.DB
	Ledger repository.JobLedger
	Queue  queue.TaskQueue
	Store  store.ArtifactStore
	Cache  cache.StatusCache

	redisCache *cache.RedisCache
}

// Setup loads configuration and connects every backend.
func Setup(ctx context.Context) (*Components, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Components{Config: cfg, Logger: logger}

	db, err := repository.Open(ctx, repository.Config{
		DSN:         cfg.Database.DSN,
		DialTimeout: cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	c.DB = db
	c.Ledger = repository.NewJobLedger(db, repository.DriverFor(cfg.Database.DSN), logger)

	if cfg.Queue.URL != "" {
		q, err := queue.NewAMQPQueue(queue.AMQPConfig{
			URL:       cfg.Queue.URL,
			QueueName: cfg.Queue.Name,
			Prefetch:  cfg.Queue.Prefetch,
		}, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Queue = q
	} else {
		c.Queue = queue.NewMemoryQueue(logger, queue.WithBuffer(cfg.Queue.Buffer))
	}

	if cfg.Storage.S3Endpoint != "" {
		st, err := store.NewS3Store(ctx, store.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			UseSSL:    cfg.Storage.S3UseSSL,
		}, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Store = st
	} else {
		st, err := store.NewFSStore(cfg.Storage.DataDir, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Store = st
	}

	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(ctx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.redisCache = rc
		c.Cache = rc
	} else {
		c.Cache = cache.NewMemoryCache()
	}

	return c, nil
}

// Close releases every connection Setup opened.
func (c *Components) Close() {
	if c.Queue != nil {
		_ = c.Queue.Close()
	}
	if c.redisCache != nil {
		_ = c.redisCache.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}
