package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/icsara/docpipe/constants"
)

// StatusCache holds the last-known status per job. It is written through on
// every transition and consulted only when the ledger is unreachable, so a
// status poll can still answer with something truthful. The ledger stays the
// source of truth; the cache is best-effort and may lag.
type StatusCache interface {
	SetStatus(ctx context.Context, jobID uuid.UUID, status constants.JobStatus) error
	GetStatus(ctx context.Context, jobID uuid.UUID) (constants.JobStatus, bool, error)
	Invalidate(ctx context.Context, jobID uuid.UUID) error
}

// MemoryCache is the in-process fallback used when no Redis is configured.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[uuid.UUID]constants.JobStatus
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[uuid.UUID]constants.JobStatus)}
}

func (c *MemoryCache) SetStatus(_ context.Context, jobID uuid.UUID, status constants.JobStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[jobID] = status
	return nil
}

func (c *MemoryCache) GetStatus(_ context.Context, jobID uuid.UUID) (constants.JobStatus, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.m[jobID]
	return status, ok, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, jobID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, jobID)
	return nil
}
