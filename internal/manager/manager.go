package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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

// Config tunes upload acceptance and job lifetime.
type Config struct {
	TTL            time.Duration
	MaxUploadBytes int64
}

// Result is what a finished job exposes: the summary digest plus the
// downloadable artifact manifest.
type Result struct {
	JobID     uuid.UUID
	Summary   []byte
	Artifacts []*entity.ArtifactEntry
}

// JobManager is the single entry point the API layer talks to. It owns the
// submission sequence (slot write, ledger row, enqueue) and the read paths,
// and never lets a caller observe a half-created job.
type JobManager struct {
	ledger repository.JobLedger
	queue  queue.TaskQueue
	store  store.ArtifactStore
	cache  cache.StatusCache
	cfg    Config
	logger *slog.Logger
}

func NewJobManager(
	ledger repository.JobLedger,
	q queue.TaskQueue,
	artifacts store.ArtifactStore,
	statusCache cache.StatusCache,
	cfg Config,
	logger *slog.Logger,
) *JobManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobManager{
		ledger: ledger,
		queue:  q,
		store:  artifacts,
		cache:  statusCache,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateJob accepts an upload, stores it, registers the job and enqueues the
// processing task. On return the job is visible, QUEUED, and will eventually
// reach a terminal state without further caller involvement.
func (m *JobManager) CreateJob(ctx context.Context, upload io.Reader, filename, contentType string, opts entity.ProcessOptions) (*entity.Job, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename is required: %w", common.ErrInvalidUpload)
	}
	if !constants.IsAllowedPDFContentType(contentType) {
		return nil, fmt.Errorf("content type %q is not a PDF: %w", contentType, common.ErrInvalidUpload)
	}

	// Buffer the whole document up front: the id-collision retry below must
	// re-store it from the beginning, and a reader only plays once. One byte
	// over the limit trips the guard before anything commits.
	limited := &limitGuard{r: upload, remaining: m.cfg.MaxUploadBytes}
	data, err := io.ReadAll(limited)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			return nil, fmt.Errorf("upload larger than %d bytes: %w", m.cfg.MaxUploadBytes, common.ErrUploadTooLarge)
		}
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload: %w", common.ErrInvalidUpload)
	}

	var job *entity.Job
	for attempt := 0; attempt < 3; attempt++ {
		job, err = m.tryCreate(ctx, data, filename, contentType, opts)
		if err == nil {
			break
		}
		if !errors.Is(err, common.ErrDuplicateJob) {
			return nil, err
		}
		// Freak uuid collision; a fresh id resolves it. The slot of the
		// colliding attempt is gone by the time tryCreate returns.
	}
	if err != nil {
		return nil, err
	}

	msg := entity.TaskMessage{
		JobID:      job.ID,
		Input:      constants.InputPDFName,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}
	if err := m.queue.Enqueue(ctx, msg); err != nil {
		// The row exists, so mark it failed rather than leaving it QUEUED
		// with no task behind it.
		code := common.ErrCodeQueueError
		message := "could not enqueue processing task"
		now := time.Now()
		if _, ferr := m.ledger.Transition(ctx, job.ID,
			[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusFailed,
			repository.Update{ErrorCode: &code, ErrorMessage: &message, FinishedAt: &now}); ferr != nil {
			m.logger.Error("could not record enqueue failure", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	m.setCache(ctx, job.ID, constants.JobStatusQueued)
	m.logger.Info("job accepted", "job_id", job.ID, "filename", filename, "bytes", job.FileSizeBytes)
	return job, nil
}

func (m *JobManager) tryCreate(ctx context.Context, data []byte, filename, contentType string, opts entity.ProcessOptions) (*entity.Job, error) {
	id := uuid.New()

	res, err := m.store.Write(ctx, id, constants.InputPDFName, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	job := &entity.Job{
		ID:             id,
		SourceFilename: filename,
		ContentType:    contentType,
		FileSizeBytes:  res.SizeBytes,
		Options:        opts,
		ExpiresAt:      time.Now().Add(m.cfg.TTL),
	}
	if err := m.ledger.Create(ctx, job); err != nil {
		_ = m.store.DeleteSlot(ctx, id)
		return nil, err
	}
	return job, nil
}

// GetStatus returns the job as the ledger sees it. If the ledger is down the
// cache answers with a status-only shell so polling clients are not left
// blind.
func (m *JobManager) GetStatus(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := m.ledger.Get(ctx, id)
	if err == nil {
		return job, nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if m.cache != nil {
		if status, ok, cerr := m.cache.GetStatus(ctx, id); cerr == nil && ok {
			m.logger.Warn("serving cached status, ledger unavailable", "job_id", id, "error", err)
			return &entity.Job{ID: id, Status: status}, nil
		}
	}
	return nil, err
}

// GetResult returns the summary and manifest of a COMPLETED job. A job still
// in flight reports ErrNotReady; a FAILED job reports its recorded error.
func (m *JobManager) GetResult(ctx context.Context, id uuid.UUID) (*Result, error) {
	job, err := m.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case constants.JobStatusCompleted:
	case constants.JobStatusFailed:
		return nil, fmt.Errorf("job failed with %s: %s: %w", job.ErrorCode, job.ErrorMessage, common.ErrNotReady)
	default:
		return nil, fmt.Errorf("job is %s: %w", job.Status, common.ErrNotReady)
	}

	artifacts, err := m.ledger.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Result{JobID: id, Summary: job.Summary, Artifacts: artifacts}, nil
}

// ReadArtifact streams one committed artifact. The manifest row is the
// visibility gate: no row, no download, even if stray bytes exist in the slot.
func (m *JobManager) ReadArtifact(ctx context.Context, id uuid.UUID, name string) (*entity.ArtifactEntry, io.ReadCloser, error) {
	if !constants.IsArtifactName(name) {
		return nil, nil, fmt.Errorf("artifact %q: %w", name, common.ErrNotFound)
	}
	if _, err := m.ledger.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	entry, err := m.ledger.GetArtifact(ctx, id, name)
	if err != nil {
		return nil, nil, err
	}
	rc, err := m.store.Read(ctx, id, name)
	if err != nil {
		return nil, nil, err
	}
	return entry, rc, nil
}

// DeleteJob removes a job and everything it owns. Idempotent: deleting a
// missing job succeeds. Artifacts go first so a crash can only ever leave a
// row whose files are already gone, which the sweeper finishes off.
func (m *JobManager) DeleteJob(ctx context.Context, id uuid.UUID) error {
	// Mark DELETED first so an in-flight worker loses its claim on the next
	// transition; then remove bytes, manifest, and finally the row.
	_, err := m.ledger.Transition(ctx, id,
		[]constants.JobStatus{
			constants.JobStatusQueued,
			constants.JobStatusRunning,
			constants.JobStatusCompleted,
			constants.JobStatusFailed,
		},
		constants.JobStatusDeleted, repository.Update{})
	if err != nil && !errors.Is(err, common.ErrNotFound) && !errors.Is(err, common.ErrInvalidTransition) {
		return fmt.Errorf("mark deleted: %w", err)
	}

	if err := m.store.DeleteSlot(ctx, id); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	if err := m.ledger.DeleteArtifacts(ctx, id); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	if err := m.ledger.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job row: %w", err)
	}

	if m.cache != nil {
		if cerr := m.cache.Invalidate(ctx, id); cerr != nil {
			m.logger.Warn("status cache invalidate failed", "job_id", id, "error", cerr)
		}
	}
	m.logger.Info("job deleted", "job_id", id)
	return nil
}

func (m *JobManager) setCache(ctx context.Context, id uuid.UUID, status constants.JobStatus) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetStatus(ctx, id, status); err != nil {
		m.logger.Warn("status cache update failed", "job_id", id, "error", err)
	}
}

var errUploadTooLarge = errors.New("upload limit exceeded")

// limitGuard fails the copy instead of silently truncating when the upload
// exceeds the configured maximum.
type limitGuard struct {
	r         io.Reader
	remaining int64
}

func (g *limitGuard) Read(p []byte) (int, error) {
	if g.remaining < 0 {
		return 0, errUploadTooLarge
	}
	if int64(len(p)) > g.remaining+1 {
		p = p[:g.remaining+1]
	}
	n, err := g.r.Read(p)
	g.remaining -= int64(n)
	if g.remaining < 0 {
		return n, errUploadTooLarge
	}
	return n, err
}
