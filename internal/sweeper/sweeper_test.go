package sweeper

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/cache"
	"github.com/icsara/docpipe/internal/common"
	"github.com/icsara/docpipe/internal/entity"
	"github.com/icsara/docpipe/internal/queue"
	"github.com/icsara/docpipe/internal/repository"
	"github.com/icsara/docpipe/internal/store"
)

type sweepEnv struct {
	ledger  repository.JobLedger
	store   *store.FSStore
	queue   *queue.MemoryQueue
	cache   *cache.MemoryCache
	sweeper *Sweeper
}

func newSweepEnv(t *testing.T, cfg Config) *sweepEnv {
	t.Helper()
	ctx := context.Background()

	dsn := filepath.Join(t.TempDir(), "ledger.db")
	db, err := repository.Open(ctx, repository.Config{DSN: dsn, DialTimeout: 3 * time.Second}, slog.Default())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ledger := repository.NewJobLedger(db, repository.DriverFor(dsn), slog.Default())

	fs, err := store.NewFSStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	q := queue.NewMemoryQueue(nil)
	t.Cleanup(func() { q.Close() })
	mc := cache.NewMemoryCache()

	return &sweepEnv{
		ledger:  ledger,
		store:   fs,
		queue:   q,
		cache:   mc,
		sweeper: NewSweeper(ledger, fs, q, mc, cfg, slog.Default()),
	}
}

// finishJob creates a COMPLETED job with one artifact and the given expiry.
func (e *sweepEnv) finishJob(t *testing.T, expires time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	job := &entity.Job{
		ID:             uuid.New(),
		SourceFilename: "examen.pdf",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if err := e.ledger.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := e.store.Write(ctx, job.ID, constants.ArtifactPreguntasJSON, bytes.NewReader([]byte("[]")))
	if err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := e.ledger.UpsertArtifact(ctx, &entity.ArtifactEntry{
		JobID: job.ID, Name: constants.ArtifactPreguntasJSON,
		Path: res.Path, SizeBytes: res.SizeBytes, SHA256: res.SHA256,
	}); err != nil {
		t.Fatalf("upsert artifact: %v", err)
	}
	if _, err := e.ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, repository.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := e.ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusCompleted,
		repository.Update{ExpiresAt: &expires}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := e.cache.SetStatus(ctx, job.ID, constants.JobStatusCompleted); err != nil {
		t.Fatalf("cache: %v", err)
	}
	return job.ID
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	env := newSweepEnv(t, Config{Interval: time.Hour, HeartbeatTimeout: time.Hour})
	ctx := context.Background()

	expired := env.finishJob(t, time.Now().Add(-time.Minute))
	fresh := env.finishJob(t, time.Now().Add(time.Hour))

	env.sweeper.SweepExpired(ctx)

	if _, err := env.ledger.Get(ctx, expired); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expired job row survived: %v", err)
	}
	if _, err := env.store.Read(ctx, expired, constants.ArtifactPreguntasJSON); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expired job artifacts survived")
	}
	if _, ok, _ := env.cache.GetStatus(ctx, expired); ok {
		t.Errorf("expired job cache entry survived")
	}

	if _, err := env.ledger.Get(ctx, fresh); err != nil {
		t.Errorf("unexpired job was swept: %v", err)
	}
	if _, err := env.store.Read(ctx, fresh, constants.ArtifactPreguntasJSON); err != nil {
		t.Errorf("unexpired job artifacts were swept: %v", err)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newSweepEnv(t, Config{Interval: time.Hour, HeartbeatTimeout: time.Hour})
	ctx := context.Background()

	env.finishJob(t, time.Now().Add(-time.Minute))
	env.sweeper.SweepExpired(ctx)
	env.sweeper.SweepExpired(ctx) // second pass over an empty ledger
}

func TestRequeueStaleReenqueuesTask(t *testing.T) {
	// Heartbeat timeout of zero means any RUNNING claim is instantly stale.
	env := newSweepEnv(t, Config{Interval: time.Hour, HeartbeatTimeout: time.Nanosecond})
	ctx := context.Background()

	job := &entity.Job{
		ID:             uuid.New(),
		SourceFilename: "examen.pdf",
		Options:        entity.ProcessOptions{Classify: true, IncludePNG: false},
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if err := env.ledger.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, repository.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(1100 * time.Millisecond) // updated_at has unix-second resolution
	env.sweeper.RequeueStale(ctx)

	got, err := env.ledger.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.JobStatusQueued {
		t.Fatalf("status = %s, want QUEUED after requeue", got.Status)
	}

	d, err := env.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("no task re-enqueued: %v", err)
	}
	msg := d.Message()
	if msg.JobID != job.ID {
		t.Errorf("task for %s, want %s", msg.JobID, job.ID)
	}
	if !msg.Options.Classify || msg.Options.IncludePNG {
		t.Errorf("options not rebuilt from the row: %+v", msg.Options)
	}
}
