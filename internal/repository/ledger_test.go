package repository

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/common"
	"github.com/icsara/docpipe/internal/entity"
)

func newTestLedger(t *testing.T) JobLedger {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(context.Background(), Config{DSN: dsn, DialTimeout: 3 * time.Second}, slog.Default())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewJobLedger(db, DriverFor(dsn), slog.Default())
}

func newJob(t *testing.T, ledger JobLedger) *entity.Job {
	t.Helper()
	job := &entity.Job{
		ID:             uuid.New(),
		SourceFilename: "examen.pdf",
		ContentType:    "application/pdf",
		FileSizeBytes:  1024,
		Options:        entity.ProcessOptions{Classify: true, IncludePNG: true},
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if err := ledger.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCreateAndGet(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	got, err := ledger.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.JobStatusQueued {
		t.Errorf("status = %s, want QUEUED", got.Status)
	}
	if got.Progress.Stage != constants.StageQueued || got.Progress.Percent != 0 {
		t.Errorf("progress = %+v, want queued/0", got.Progress)
	}
	if got.SourceFilename != "examen.pdf" || got.FileSizeBytes != 1024 {
		t.Errorf("row fields did not round-trip: %+v", got)
	}
	if !got.Options.Classify || !got.Options.IncludePNG {
		t.Errorf("options did not round-trip: %+v", got.Options)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("new job must not have started/finished timestamps")
	}
}

func TestGetMissing(t *testing.T) {
	ledger := newTestLedger(t)
	_, err := ledger.Get(context.Background(), uuid.New())
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	ledger := newTestLedger(t)
	job := newJob(t, ledger)

	dup := &entity.Job{ID: job.ID, SourceFilename: "otro.pdf", ExpiresAt: time.Now().Add(time.Hour)}
	if err := ledger.Create(context.Background(), dup); !errors.Is(err, common.ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}
}

func TestClaimTransition(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	now := time.Now()
	progress := entity.Progress{Stage: constants.StageExtracting, Percent: constants.ProgressClaimed}
	claimed, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning,
		Update{Progress: &progress, StartedAt: &now})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != constants.JobStatusRunning {
		t.Errorf("status = %s, want RUNNING", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Errorf("started_at not recorded")
	}
	if claimed.Progress.Percent != constants.ProgressClaimed {
		t.Errorf("percent = %d, want %d", claimed.Progress.Percent, constants.ProgressClaimed)
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	ledger := newTestLedger(t)
	job := newJob(t, ledger)

	_, err := ledger.Transition(context.Background(), job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusCompleted, Update{})
	if !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionGuardsCurrentStatus(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	// Second claim of an already RUNNING job must lose.
	if _, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{})
	if !errors.Is(err, common.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Transition(ctx, job.ID,
				[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{})
			if err == nil {
				wins <- struct{}{}
				return
			}
			if !errors.Is(err, common.ErrInvalidTransition) {
				t.Errorf("loser got unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("claims won = %d, want exactly 1", won)
	}
}

func TestCompleteRecordsSummaryAndExpiry(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	if _, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	now := time.Now()
	expires := now.Add(2 * time.Hour)
	summary := []byte(`{"pages":3}`)
	done, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusCompleted,
		Update{Summary: summary, FinishedAt: &now, ExpiresAt: &expires})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if string(done.Summary) != `{"pages":3}` {
		t.Errorf("summary = %q", done.Summary)
	}
	if done.FinishedAt == nil {
		t.Errorf("finished_at not recorded")
	}
	if done.ExpiresAt.Unix() != expires.Unix() {
		t.Errorf("expires_at = %v, want %v", done.ExpiresAt, expires)
	}
}

func TestFailRecordsError(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	if _, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	code := common.ErrCodeInvalidPDF
	message := "input is not a PDF document"
	failed, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusFailed,
		Update{ErrorCode: &code, ErrorMessage: &message})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.ErrorCode != common.ErrCodeInvalidPDF || failed.ErrorMessage != message {
		t.Errorf("error fields = %q/%q", failed.ErrorCode, failed.ErrorMessage)
	}
}

func TestListExpiredBoundary(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	makeTerminal := func(expires time.Time) uuid.UUID {
		job := &entity.Job{ID: uuid.New(), SourceFilename: "x.pdf", ExpiresAt: time.Now().Add(time.Hour)}
		if err := ledger.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := ledger.Transition(ctx, job.ID,
			[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{}); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := ledger.Transition(ctx, job.ID,
			[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusCompleted,
			Update{ExpiresAt: &expires}); err != nil {
			t.Fatalf("complete: %v", err)
		}
		return job.ID
	}

	now := time.Now()
	expired := makeTerminal(now.Add(-time.Minute))
	makeTerminal(now.Add(time.Hour))
	newJob(t, ledger) // QUEUED jobs never expire, whatever the clock says

	jobs, err := ledger.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != expired {
		t.Fatalf("expired = %v, want exactly [%s]", jobs, expired)
	}
}

func TestRequeueStale(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	stale := newJob(t, ledger)
	if _, err := ledger.Transition(ctx, stale.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A cutoff in the future makes the fresh claim look stale.
	requeued, err := ledger.RequeueStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}

	var got *entity.Job
	for _, j := range requeued {
		if j.ID == stale.ID {
			got = j
		}
	}
	if got == nil {
		t.Fatalf("stale job not requeued")
	}
	if got.Status != constants.JobStatusQueued {
		t.Errorf("status = %s, want QUEUED", got.Status)
	}
	if got.Progress.Stage != constants.StageQueued || got.Progress.Percent != constants.ProgressQueued {
		t.Errorf("progress = %+v, want reset to queued/0", got.Progress)
	}
}

func TestRequeueStaleIgnoresFreshClaims(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	job := newJob(t, ledger)
	if _, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	requeued, err := ledger.RequeueStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if len(requeued) != 0 {
		t.Fatalf("requeued = %d jobs, want none", len(requeued))
	}

	got, err := ledger.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != constants.JobStatusRunning {
		t.Errorf("status = %s, want claim kept as RUNNING", got.Status)
	}
}

func TestTouchKeepsClaimAlive(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	if _, err := ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning, Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before, _ := ledger.Get(ctx, job.ID)

	time.Sleep(1100 * time.Millisecond) // unix-second resolution
	if err := ledger.Touch(ctx, job.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := ledger.Get(ctx, job.ID)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updated_at not advanced by touch")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	if err := ledger.Delete(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ledger.Delete(ctx, job.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := ledger.Get(ctx, job.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestUpsertArtifactRequiresJobRow(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	// No job row: a worker whose job was deleted mid-run must not be able to
	// create an ownerless manifest entry.
	err := ledger.UpsertArtifact(ctx, &entity.ArtifactEntry{
		JobID:     uuid.New(),
		Name:      constants.ArtifactPreguntasJSON,
		Path:      "/data/nowhere/preguntas.json",
		SizeBytes: 10,
		SHA256:    "abc123",
	})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertArtifactRefusesAfterDelete(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	entry := &entity.ArtifactEntry{
		JobID:     job.ID,
		Name:      constants.ArtifactPreguntasJSON,
		Path:      "/data/" + job.ID.String() + "/preguntas.json",
		SizeBytes: 321,
		SHA256:    "abc123",
	}
	if err := ledger.UpsertArtifact(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := ledger.Delete(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// A re-commit of the same artifact after the delete must fail too, not
	// resurrect the row via the conflict branch.
	if err := ledger.UpsertArtifact(ctx, entry); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
	if _, err := ledger.GetArtifact(ctx, job.ID, constants.ArtifactPreguntasJSON); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("manifest row resurrected after delete")
	}
}

func TestArtifactManifest(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	job := newJob(t, ledger)

	entry := &entity.ArtifactEntry{
		JobID:     job.ID,
		Name:      constants.ArtifactPreguntasJSON,
		Path:      "/data/" + job.ID.String() + "/preguntas.json",
		SizeBytes: 321,
		SHA256:    "abc123",
	}
	if err := ledger.UpsertArtifact(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Re-commit overwrites in place, no second row.
	entry.SizeBytes = 654
	entry.SHA256 = "def456"
	if err := ledger.UpsertArtifact(ctx, entry); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := ledger.GetArtifact(ctx, job.ID, constants.ArtifactPreguntasJSON)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if got.SizeBytes != 654 || got.SHA256 != "def456" {
		t.Errorf("artifact not overwritten: %+v", got)
	}

	list, err := ledger.ListArtifacts(ctx, job.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("manifest rows = %d, want 1", len(list))
	}

	if err := ledger.DeleteArtifacts(ctx, job.ID); err != nil {
		t.Fatalf("delete artifacts: %v", err)
	}
	if _, err := ledger.GetArtifact(ctx, job.ID, constants.ArtifactPreguntasJSON); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after manifest delete", err)
	}
}
