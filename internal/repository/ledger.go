package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/common"
	"github.com/icsara/docpipe/internal/entity"
)

// Update carries the optional field changes a status transition may apply.
// Nil pointers leave the column untouched.
type Update struct {
	Progress     *entity.Progress
	ErrorCode    *string
	ErrorMessage *string
	Summary      []byte
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ExpiresAt    *time.Time
}

// JobLedger is the persistent record of job identity, status and manifest.
// Every mutation is atomic; Transition is the single concurrency-safety
// primitive the rest of the system leans on.
type JobLedger interface {
	Create(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Transition(ctx context.Context, id uuid.UUID, from []constants.JobStatus, to constants.JobStatus, upd Update) (*entity.Job, error)
	Touch(ctx context.Context, id uuid.UUID) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error)
	RequeueStale(ctx context.Context, cutoff time.Time) ([]*entity.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error

	UpsertArtifact(ctx context.Context, e *entity.ArtifactEntry) error
	GetArtifact(ctx context.Context, jobID uuid.UUID, name string) (*entity.ArtifactEntry, error)
	ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*entity.ArtifactEntry, error)
	DeleteArtifacts(ctx context.Context, jobID uuid.UUID) error
}

type sqlLedger struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
}

// NewJobLedger wraps an opened ledger database.
func NewJobLedger(db *sql.DB, driver string, log *slog.Logger) JobLedger {
	if log == nil {
		log = slog.Default()
	}
	return &sqlLedger{db: db, driver: driver, log: log}
}

const jobColumns = `id, status, progress_stage, progress_percent, source_filename, content_type,
	file_size_bytes, opt_classify, opt_include_png, error_code, error_message, summary,
	created_at, updated_at, started_at, finished_at, expires_at`

func (l *sqlLedger) Create(ctx context.Context, job *entity.Job) error {
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = constants.JobStatusQueued
	job.Progress = entity.Progress{Stage: constants.StageQueued, Percent: constants.ProgressQueued}

	_, err := l.db.ExecContext(ctx, rebind(l.driver, `
		INSERT INTO jobs (id, status, progress_stage, progress_percent, source_filename, content_type,
			file_size_bytes, opt_classify, opt_include_png, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID.String(),
		string(job.Status),
		string(job.Progress.Stage),
		job.Progress.Percent,
		job.SourceFilename,
		job.ContentType,
		job.FileSizeBytes,
		boolToInt(job.Options.Classify),
		boolToInt(job.Options.IncludePNG),
		now.Unix(),
		now.Unix(),
		job.ExpiresAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %s: %w", job.ID, common.ErrDuplicateJob)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	l.log.Info("job created", "job_id", job.ID, "filename", job.SourceFilename, "expires_at", job.ExpiresAt)
	return nil
}

func (l *sqlLedger) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	row := l.db.QueryRowContext(ctx, rebind(l.driver,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id.String())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Transition atomically verifies the current status is one of from before
// applying to plus the field updates. The conditional UPDATE is the
// compare-and-set that keeps two workers from double-claiming a task and a
// stale worker from resurrecting a finished job.
func (l *sqlLedger) Transition(ctx context.Context, id uuid.UUID, from []constants.JobStatus, to constants.JobStatus, upd Update) (*entity.Job, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition to %s: empty from set", to)
	}
	for _, f := range from {
		if !constants.IsValidTransition(f, to) {
			return nil, fmt.Errorf("transition %s -> %s: %w", f, to, common.ErrInvalidTransition)
		}
	}

	now := time.Now()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), now.Unix()}

	if upd.Progress != nil {
		set = append(set, "progress_stage = ?", "progress_percent = ?")
		args = append(args, string(upd.Progress.Stage), upd.Progress.Percent)
	}
	if upd.ErrorCode != nil {
		set = append(set, "error_code = ?")
		args = append(args, *upd.ErrorCode)
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, truncate(*upd.ErrorMessage, 4000))
	}
	if upd.Summary != nil {
		set = append(set, "summary = ?")
		args = append(args, string(upd.Summary))
	}
	if upd.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, upd.StartedAt.Unix())
	}
	if upd.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, upd.FinishedAt.Unix())
	}
	if upd.ExpiresAt != nil {
		set = append(set, "expires_at = ?")
		args = append(args, upd.ExpiresAt.Unix())
	}

	placeholders := make([]string, len(from))
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}
	args = append(args, id.String())

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE status IN (%s) AND id = ?`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))

	// WHERE lists status before id so placeholder order matches args.
	res, err := l.db.ExecContext(ctx, rebind(l.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", to, err)
	}
	if affected == 0 {
		// Either the row is gone or someone got there first.
		if _, getErr := l.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("job %s -> %s: %w", id, to, common.ErrInvalidTransition)
	}

	job, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	l.log.Info("job transitioned", "job_id", id, "status", to, "stage", job.Progress.Stage, "percent", job.Progress.Percent)
	return job, nil
}

// Touch refreshes updated_at on a RUNNING job; the stale-job reaper treats it
// as the worker's heartbeat.
func (l *sqlLedger) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := l.db.ExecContext(ctx, rebind(l.driver,
		`UPDATE jobs SET updated_at = ? WHERE status = ? AND id = ?`),
		time.Now().Unix(), string(constants.JobStatusRunning), id.String())
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

func (l *sqlLedger) ListExpired(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, rebind(l.driver,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE expires_at <= ? AND status IN (?, ?, ?)
		 ORDER BY expires_at ASC LIMIT ?`),
		now.Unix(),
		string(constants.JobStatusCompleted),
		string(constants.JobStatusFailed),
		string(constants.JobStatusDeleted),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RequeueStale returns every job the queue should redeliver: RUNNING jobs
// whose heartbeat stopped before cutoff are flipped back to QUEUED first, and
// QUEUED jobs idle past cutoff are returned as-is, covering tasks lost to an
// enqueue failure or a broker wipe. Each RUNNING row is flipped with its own
// compare-and-set; a worker that resumes in between simply keeps its claim.
// A duplicate delivery for a healthy QUEUED job is harmless: only one claim
// can win.
func (l *sqlLedger) RequeueStale(ctx context.Context, cutoff time.Time) ([]*entity.Job, error) {
	rows, err := l.db.QueryContext(ctx, rebind(l.driver,
		`SELECT id, status FROM jobs WHERE status IN (?, ?) AND updated_at <= ?`),
		string(constants.JobStatusRunning), string(constants.JobStatusQueued), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	type staleRow struct {
		id      uuid.UUID
		running bool
	}
	stale := make([]staleRow, 0, 8)
	for rows.Next() {
		var (
			raw    string
			status string
		)
		if err := rows.Scan(&raw, &status); err != nil {
			rows.Close()
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		stale = append(stale, staleRow{id: id, running: status == string(constants.JobStatusRunning)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	requeued := make([]*entity.Job, 0, len(stale))
	progress := entity.Progress{Stage: constants.StageQueued, Percent: constants.ProgressQueued}
	for _, row := range stale {
		var (
			job *entity.Job
			err error
		)
		if row.running {
			job, err = l.Transition(ctx, row.id, []constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusQueued, Update{Progress: &progress})
		} else {
			job, err = l.Get(ctx, row.id)
		}
		if err != nil {
			if errors.Is(err, common.ErrInvalidTransition) || errors.Is(err, common.ErrNotFound) {
				continue
			}
			return requeued, err
		}
		l.log.Warn("stale job requeued", "job_id", row.id, "was_running", row.running)
		requeued = append(requeued, job)
	}
	return requeued, nil
}

func (l *sqlLedger) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := l.db.ExecContext(ctx, rebind(l.driver,
		`DELETE FROM job_artifacts WHERE job_id = ?`), id.String()); err != nil {
		return fmt.Errorf("delete job artifacts: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, rebind(l.driver,
		`DELETE FROM jobs WHERE id = ?`), id.String()); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// UpsertArtifact records a committed artifact, refusing when the job row is
// gone so a delete racing a worker cannot leave a manifest row with no owner.
// The INSERT ... SELECT guard and the conflict update run as one statement.
func (l *sqlLedger) UpsertArtifact(ctx context.Context, e *entity.ArtifactEntry) error {
	now := time.Now()
	res, err := l.db.ExecContext(ctx, rebind(l.driver, `
		INSERT INTO job_artifacts (job_id, name, path, size_bytes, sha256, created_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM jobs WHERE id = ?)
		ON CONFLICT (job_id, name) DO UPDATE SET
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			sha256 = excluded.sha256,
			created_at = excluded.created_at`),
		e.JobID.String(), e.Name, e.Path, e.SizeBytes, e.SHA256, now.Unix(),
		e.JobID.String())
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", e.Name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", e.Name, err)
	}
	if affected == 0 {
		return fmt.Errorf("artifact %s for job %s: %w", e.Name, e.JobID, common.ErrNotFound)
	}
	e.CreatedAt = now
	return nil
}

func (l *sqlLedger) GetArtifact(ctx context.Context, jobID uuid.UUID, name string) (*entity.ArtifactEntry, error) {
	row := l.db.QueryRowContext(ctx, rebind(l.driver,
		`SELECT job_id, name, path, size_bytes, sha256, created_at
		 FROM job_artifacts WHERE job_id = ? AND name = ?`),
		jobID.String(), name)
	e, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s/%s: %w", jobID, name, common.ErrNotFound)
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return e, nil
}

func (l *sqlLedger) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*entity.ArtifactEntry, error) {
	rows, err := l.db.QueryContext(ctx, rebind(l.driver,
		`SELECT job_id, name, path, size_bytes, sha256, created_at
		 FROM job_artifacts WHERE job_id = ? ORDER BY name ASC`),
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]*entity.ArtifactEntry, 0, 8)
	for rows.Next() {
		e, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *sqlLedger) DeleteArtifacts(ctx context.Context, jobID uuid.UUID) error {
	if _, err := l.db.ExecContext(ctx, rebind(l.driver,
		`DELETE FROM job_artifacts WHERE job_id = ?`), jobID.String()); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*entity.Job, error) {
	var (
		job        entity.Job
		rawID      string
		status     string
		stage      string
		classify   int
		includePNG int
		summary    sql.NullString
		createdAt  int64
		updatedAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
		expiresAt  int64
	)
	if err := r.Scan(
		&rawID,
		&status,
		&stage,
		&job.Progress.Percent,
		&job.SourceFilename,
		&job.ContentType,
		&job.FileSizeBytes,
		&classify,
		&includePNG,
		&job.ErrorCode,
		&job.ErrorMessage,
		&summary,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
		&expiresAt,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt job id %q: %w", rawID, err)
	}
	job.ID = id
	job.Status = constants.JobStatus(status)
	job.Progress.Stage = constants.Stage(stage)
	job.Options = entity.ProcessOptions{Classify: classify == 1, IncludePNG: includePNG == 1}
	if summary.Valid && summary.String != "" {
		job.Summary = []byte(summary.String)
	}
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	job.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		job.FinishedAt = &t
	}
	job.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &job, nil
}

func scanArtifact(r rowScanner) (*entity.ArtifactEntry, error) {
	var (
		e         entity.ArtifactEntry
		rawID     string
		createdAt int64
	)
	if err := r.Scan(&rawID, &e.Name, &e.Path, &e.SizeBytes, &e.SHA256, &createdAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt artifact job id %q: %w", rawID, err)
	}
	e.JobID = id
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

func collectJobs(rows *sql.Rows) ([]*entity.Job, error) {
	out := make([]*entity.Job, 0, 16)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // postgres
		strings.Contains(msg, "duplicate key value")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
