package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/icsara/docpipe/constants"
)

const statusTTL = time.Hour

// RedisCache backs the status cache with Redis so multiple API replicas see
// the same last-known statuses.
type RedisCache struct {
	client *redis.Client
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache connects and pings once so a bad address fails at startup.
func NewRedisCache(ctx context.Context, cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

func statusKey(jobID uuid.UUID) string {
	return "job_status:" + jobID.String()
}

func (c *RedisCache) SetStatus(ctx context.Context, jobID uuid.UUID, status constants.JobStatus) error {
	return c.client.Set(ctx, statusKey(jobID), string(status), statusTTL).Err()
}

func (c *RedisCache) GetStatus(ctx context.Context, jobID uuid.UUID) (constants.JobStatus, bool, error) {
	val, err := c.client.Get(ctx, statusKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return constants.JobStatus(val), true, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, statusKey(jobID)).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
