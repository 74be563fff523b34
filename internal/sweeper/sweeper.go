package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/cache"
	"github.com/icsara/docpipe/internal/entity"
	"github.com/icsara/docpipe/internal/queue"
	"github.com/icsara/docpipe/internal/repository"
	"github.com/icsara/docpipe/internal/store"
)

// Config tunes sweep cadence and the stale-claim cutoff.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	BatchSize        int
}

// Sweeper is the retention and crash-recovery loop. Each pass removes jobs
// whose TTL lapsed and requeues RUNNING jobs whose worker stopped
// heartbeating. It deletes artifacts before the ledger row, so an interrupted
// sweep can only leave a row pointing at nothing, which the next pass removes.
type Sweeper struct {
	ledger repository.JobLedger
	store  store.ArtifactStore
	queue  queue.TaskQueue
	cache  cache.StatusCache
	cfg    Config
	logger *slog.Logger
}

func NewSweeper(
	ledger repository.JobLedger,
	artifacts store.ArtifactStore,
	q queue.TaskQueue,
	statusCache cache.StatusCache,
	cfg Config,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger: ledger,
		store:  artifacts,
		queue:  q,
		cache:  statusCache,
		cfg:    cfg,
		logger: logger,
	}
}

// Run sweeps on a ticker until ctx is canceled. One pass runs immediately so
// a restart does not wait a full interval to catch up.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper starting", "interval", s.cfg.Interval, "heartbeat_timeout", s.cfg.HeartbeatTimeout)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Errors are logged, never fatal: a job that could
// not be cleaned up stays expired and is retried next pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.SweepExpired(ctx)
	s.RequeueStale(ctx)
}

// SweepExpired removes terminal jobs whose expires_at has passed.
func (s *Sweeper) SweepExpired(ctx context.Context) {
	jobs, err := s.ledger.ListExpired(ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list expired jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := s.remove(ctx, job); err != nil {
			s.logger.Error("expired job cleanup failed", "job_id", job.ID, "error", err)
			continue
		}
		s.logger.Info("expired job removed", "job_id", job.ID, "status", job.Status, "expired_at", job.ExpiresAt)
	}
}

func (s *Sweeper) remove(ctx context.Context, job *entity.Job) error {
	if err := s.store.DeleteSlot(ctx, job.ID); err != nil {
		return err
	}
	if err := s.ledger.DeleteArtifacts(ctx, job.ID); err != nil {
		return err
	}
	if err := s.ledger.Delete(ctx, job.ID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, job.ID); err != nil {
			s.logger.Warn("status cache invalidate failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// RequeueStale flips RUNNING jobs with a dead heartbeat back to QUEUED and
// re-enqueues their task. The options stored on the row rebuild the message,
// so the redelivered task processes exactly what was originally asked for.
func (s *Sweeper) RequeueStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.HeartbeatTimeout)
	jobs, err := s.ledger.RequeueStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale job requeue failed", "error", err)
	}
	for _, job := range jobs {
		msg := entity.TaskMessage{
			JobID:      job.ID,
			Input:      constants.InputPDFName,
			Options:    job.Options,
			EnqueuedAt: time.Now(),
		}
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			// Row is QUEUED with no task behind it; it stays idle and the
			// next pass picks it up again.
			s.logger.Error("stale job re-enqueue failed", "job_id", job.ID, "error", err)
			continue
		}
		if s.cache != nil {
			_ = s.cache.SetStatus(ctx, job.ID, constants.JobStatusQueued)
		}
		s.logger.Warn("stale job re-enqueued", "job_id", job.ID)
	}
}
