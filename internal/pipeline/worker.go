package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
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

// errClaimLost means the job moved out from under us mid-run: deleted, or
// requeued by the reaper and claimed elsewhere. The delivery is dropped; if
// anything remains to do, the other claim does it.
var errClaimLost = errors.New("job claim lost")

// WorkerConfig tunes retry and completion behavior.
type WorkerConfig struct {
	TTL            time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func (c *WorkerConfig) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
}

// Worker drives one task message through the pipeline: claim, extract,
// classify, finalize. Every stage is deterministic, so a redelivered message
// re-commits byte-identical artifacts and converges to the same terminal
// state — the claim transition is the only at-most-once gate needed.
type Worker struct {
	ledger     repository.JobLedger
	store      store.ArtifactStore
	cache      cache.StatusCache
	extractor  ContentExtractor
	classifier Classifier
	cfg        WorkerConfig
	logger     *slog.Logger
}

func NewWorker(
	ledger repository.JobLedger,
	artifacts store.ArtifactStore,
	statusCache cache.StatusCache,
	extractor ContentExtractor,
	classifier Classifier,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ledger:     ledger,
		store:      artifacts,
		cache:      statusCache,
		extractor:  extractor,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// Process handles one delivery end to end. The returned error is for logging;
// acknowledgment is decided in here.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) error {
	msg := d.Message()
	log := w.logger.With("job_id", msg.JobID)

	now := time.Now()
	progress := entity.Progress{Stage: constants.StageExtracting, Percent: constants.ProgressClaimed}
	job, err := w.ledger.Transition(ctx, msg.JobID,
		[]constants.JobStatus{constants.JobStatusQueued}, constants.JobStatusRunning,
		repository.Update{Progress: &progress, StartedAt: &now})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrInvalidTransition) {
			// Deleted, finished, or claimed by someone else. Nothing to do.
			log.Info("dropping unclaimable task", "reason", err)
			return d.Ack()
		}
		d.Nack()
		return fmt.Errorf("claim job: %w", err)
	}
	w.setCache(ctx, job.ID, constants.JobStatusRunning)
	log.Info("job claimed", "filename", job.SourceFilename)

	runErr := w.run(ctx, job)
	if runErr == nil {
		return d.Ack()
	}

	if errors.Is(runErr, errClaimLost) {
		log.Warn("claim lost mid-run, dropping delivery")
		w.cleanupIfDeleted(ctx, job.ID, log)
		return d.Ack()
	}

	if se, ok := common.AsStageError(runErr); ok {
		return w.fail(ctx, d, job.ID, se)
	}

	// Infrastructure trouble survived all retries. Hand the claim back so the
	// redelivered message can be claimed immediately instead of waiting for
	// the stale-job reaper.
	log.Error("job processing interrupted", "error", runErr)
	requeued := entity.Progress{Stage: constants.StageQueued, Percent: constants.ProgressQueued}
	if _, err := w.ledger.Transition(ctx, job.ID,
		[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusQueued,
		repository.Update{Progress: &requeued}); err == nil {
		w.setCache(ctx, job.ID, constants.JobStatusQueued)
	}
	d.Nack()
	return runErr
}

func (w *Worker) run(ctx context.Context, job *entity.Job) error {
	extraction, err := w.extract(ctx, job)
	if err != nil {
		return err
	}
	if err := w.commitExtraction(ctx, job, extraction); err != nil {
		return err
	}

	nextStage := constants.StageFinalizing
	if job.Options.Classify {
		nextStage = constants.StageClassifying
	}
	if err := w.advance(ctx, job.ID, entity.Progress{Stage: nextStage, Percent: constants.ProgressExtracted}); err != nil {
		return err
	}

	var classification *ClassificationResult
	if job.Options.Classify {
		classification, err = w.classify(ctx, job, extraction.Questions)
		if err != nil {
			return err
		}
		if err := w.advance(ctx, job.ID, entity.Progress{Stage: constants.StageFinalizing, Percent: constants.ProgressClassified}); err != nil {
			return err
		}
	}

	return w.finalize(ctx, job, extraction, classification)
}

func (w *Worker) extract(ctx context.Context, job *entity.Job) (*ExtractionResult, error) {
	var result *ExtractionResult
	err := w.withRetry(ctx, "extract", func() error {
		input, err := w.store.Read(ctx, job.ID, constants.InputPDFName)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return common.NewStageError(string(constants.StageExtracting), common.ErrCodeProcessingError,
					fmt.Errorf("uploaded document is missing from storage"))
			}
			return err
		}
		defer input.Close()

		result, err = w.extractor.Extract(ctx, input, job.Options.IncludePNG)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Worker) commitExtraction(ctx context.Context, job *entity.Job, res *ExtractionResult) error {
	preguntas, err := buildPreguntasJSON(res.Questions)
	if err != nil {
		return common.NewStageError(string(constants.StageExtracting), common.ErrCodeProcessingError, err)
	}
	capitulos, err := buildChaptersHinges(res.Chapters, res.Hinges)
	if err != nil {
		return common.NewStageError(string(constants.StageExtracting), common.ErrCodeProcessingError, err)
	}

	commits := []struct {
		name string
		data []byte
	}{
		{constants.ArtifactPreguntasJSON, preguntas},
		{constants.ArtifactPreguntasTXT, buildPreguntasTXT(res.Questions)},
		{constants.ArtifactChaptersHinges, capitulos},
		{constants.ArtifactTextoTotal, buildTextoTotal(res.PageTexts)},
	}

	if len(res.Tables) > 0 {
		tablas, err := buildTablasXLSX(res.Tables)
		if err != nil {
			return common.NewStageError(string(constants.StageExtracting), common.ErrCodeProcessingError, err)
		}
		commits = append(commits, struct {
			name string
			data []byte
		}{constants.ArtifactTablasXLSX, tablas})
	}
	if job.Options.IncludePNG {
		archive, err := buildOutputsZIP(res.Images)
		if err != nil {
			return common.NewStageError(string(constants.StageExtracting), common.ErrCodeProcessingError, err)
		}
		commits = append(commits, struct {
			name string
			data []byte
		}{constants.ArtifactOutputsPNG, archive})
	}

	for _, c := range commits {
		if err := w.commit(ctx, job.ID, c.name, c.data); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) classify(ctx context.Context, job *entity.Job, questions []Question) (*ClassificationResult, error) {
	result, err := w.classifier.Classify(ctx, questions)
	if err != nil {
		if common.IsTransient(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if _, ok := common.AsStageError(err); ok {
			return nil, err
		}
		return nil, common.NewStageError(string(constants.StageClassifying), common.ErrCodeClassifyError, err)
	}

	clasificadas, err := buildClasificadas(result.Classified)
	if err != nil {
		return nil, common.NewStageError(string(constants.StageClassifying), common.ErrCodeClassifyError, err)
	}
	if err := validateClassified(clasificadas); err != nil {
		return nil, err
	}
	detalle, err := buildClasificadasDetalle(result)
	if err != nil {
		return nil, common.NewStageError(string(constants.StageClassifying), common.ErrCodeClassifyError, err)
	}

	if err := w.commit(ctx, job.ID, constants.ArtifactClasificadas, clasificadas); err != nil {
		return nil, err
	}
	if err := w.commit(ctx, job.ID, constants.ArtifactClasificadasDetalle, detalle); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Worker) finalize(ctx context.Context, job *entity.Job, res *ExtractionResult, classification *ClassificationResult) error {
	summary := entity.Summary{
		Pages:           res.Pages,
		Capitulos:       len(res.Chapters),
		Bisagras:        len(res.Hinges),
		Preguntas:       len(res.Questions),
		Tablas:          len(res.Tables),
		Figuras:         res.Figures,
		TotalDetections: res.TotalDetections(),
	}
	if classification != nil {
		classified := len(classification.Classified)
		unclassified := len(classification.Unclassified)
		summary.Classified = &classified
		summary.Unclassified = &unclassified
	}
	payload, err := marshalJSON(summary)
	if err != nil {
		return common.NewStageError(string(constants.StageFinalizing), common.ErrCodeProcessingError, err)
	}

	now := time.Now()
	expires := now.Add(w.cfg.TTL)
	done := entity.Progress{Stage: constants.StageFinalizing, Percent: constants.ProgressDone}
	err = w.withRetry(ctx, "complete job", func() error {
		_, terr := w.ledger.Transition(ctx, job.ID,
			[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusCompleted,
			repository.Update{Progress: &done, Summary: payload, FinishedAt: &now, ExpiresAt: &expires})
		if terr != nil {
			if errors.Is(terr, common.ErrNotFound) || errors.Is(terr, common.ErrInvalidTransition) {
				return errClaimLost
			}
			return common.Transient("complete job", terr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.setCache(ctx, job.ID, constants.JobStatusCompleted)
	w.logger.Info("job completed", "job_id", job.ID, "pages", summary.Pages, "detections", summary.TotalDetections)
	return nil
}

// fail records a terminal stage failure on the ledger and acks the delivery.
// Artifacts committed by earlier stages stay available for download.
func (w *Worker) fail(ctx context.Context, d queue.Delivery, jobID uuid.UUID, se *common.StageError) error {
	now := time.Now()
	expires := now.Add(w.cfg.TTL)
	message := se.Error()
	_, err := w.ledger.Transition(ctx, jobID,
		[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusFailed,
		repository.Update{
			ErrorCode:    &se.Code,
			ErrorMessage: &message,
			FinishedAt:   &now,
			ExpiresAt:    &expires,
		})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrInvalidTransition) {
			return d.Ack()
		}
		// Could not record the failure; keep the message so a later attempt can.
		d.Nack()
		return fmt.Errorf("record failure: %w", err)
	}

	w.setCache(ctx, jobID, constants.JobStatusFailed)
	w.logger.Warn("job failed", "job_id", jobID, "stage", se.Stage, "code", se.Code, "error", se.Cause)
	return d.Ack()
}

// advance applies a RUNNING -> RUNNING progress update, which doubles as the
// worker heartbeat. Losing the row or the claim aborts the run.
func (w *Worker) advance(ctx context.Context, jobID uuid.UUID, p entity.Progress) error {
	return w.withRetry(ctx, "report progress", func() error {
		_, err := w.ledger.Transition(ctx, jobID,
			[]constants.JobStatus{constants.JobStatusRunning}, constants.JobStatusRunning,
			repository.Update{Progress: &p})
		if err != nil {
			if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrInvalidTransition) {
				return errClaimLost
			}
			return common.Transient("report progress", err)
		}
		return nil
	})
}

// commit writes one artifact and records its manifest row. The row only ever
// points at fully committed bytes; the write is retried as a unit.
func (w *Worker) commit(ctx context.Context, jobID uuid.UUID, name string, data []byte) error {
	err := w.withRetry(ctx, "commit "+name, func() error {
		res, err := w.store.Write(ctx, jobID, name, bytes.NewReader(data))
		if err != nil {
			return err
		}
		if err := w.ledger.UpsertArtifact(ctx, &entity.ArtifactEntry{
			JobID:     jobID,
			Name:      name,
			Path:      res.Path,
			SizeBytes: res.SizeBytes,
			SHA256:    res.SHA256,
		}); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				// Job row vanished under us; the bytes just written are
				// orphans and the claim-lost path removes them.
				return errClaimLost
			}
			return common.Transient("record artifact", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Best-effort heartbeat between commits; progress transitions do the rest.
	_ = w.ledger.Touch(ctx, jobID)
	return nil
}

// cleanupIfDeleted removes slot bytes and manifest rows left behind when the
// job row disappeared mid-run, so a delete racing the pipeline cannot strand
// artifacts past the job's lifetime. A requeued job keeps its row and is left
// alone. Best effort: anything missed is unreachable (no row, no download) and
// a later delete of the same id would clear it.
func (w *Worker) cleanupIfDeleted(ctx context.Context, jobID uuid.UUID, log *slog.Logger) {
	if _, err := w.ledger.Get(ctx, jobID); !errors.Is(err, common.ErrNotFound) {
		return
	}
	if err := w.store.DeleteSlot(ctx, jobID); err != nil {
		log.Warn("orphan slot cleanup failed", "error", err)
	}
	if err := w.ledger.DeleteArtifacts(ctx, jobID); err != nil {
		log.Warn("orphan manifest cleanup failed", "error", err)
	}
}

// withRetry runs fn with bounded exponential backoff, retrying only transient
// failures. Stage errors and claim loss pass straight through.
func (w *Worker) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := w.cfg.RetryBaseDelay
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !common.IsTransient(err) {
			return err
		}
		if attempt == w.cfg.MaxAttempts {
			break
		}
		w.logger.Warn("retrying after transient failure", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > w.cfg.RetryMaxDelay {
			delay = w.cfg.RetryMaxDelay
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

func (w *Worker) setCache(ctx context.Context, jobID uuid.UUID, status constants.JobStatus) {
	if w.cache == nil {
		return
	}
	if err := w.cache.SetStatus(ctx, jobID, status); err != nil {
		w.logger.Warn("status cache update failed", "job_id", jobID, "error", err)
	}
}
