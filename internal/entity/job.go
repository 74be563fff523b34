package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/icsara/docpipe/constants"
)

// Progress is a tagged pair of the stage the job is in and how far through the
// whole pipeline it is. It is stored as two columns so status polls never have
// to parse a free-form string.
type Progress struct {
	Stage   constants.Stage `json:"stage"`
	Percent int             `json:"percent"`
}

// ProcessOptions carries the per-submission knobs a caller can set.
type ProcessOptions struct {
	Classify   bool `json:"classify"`
	IncludePNG bool `json:"include_png"`
}

// Job is one document's end-to-end processing unit. The ledger row is the
// single source of truth for it; everything else holds the ID only.
type Job struct {
	ID             uuid.UUID
	Status         constants.JobStatus
	Progress       Progress
	SourceFilename string
	ContentType    string
	FileSizeBytes  int64
	Options        ProcessOptions
	ErrorCode      string
	ErrorMessage   string
	Summary        []byte // JSON, populated at completion
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	ExpiresAt      time.Time
}

// TaskMessage is what travels over the task queue. It references a job, never
// owns it: the worker re-reads the ledger before doing anything.
type TaskMessage struct {
	JobID      uuid.UUID      `json:"job_id"`
	Input      string         `json:"input"`
	Options    ProcessOptions `json:"options"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// ArtifactEntry is one manifest row. An entry exists only after its bytes are
// fully and durably written, which is what makes it safe to hand out as a
// download link.
type ArtifactEntry struct {
	JobID     uuid.UUID
	Name      string
	Path      string
	SizeBytes int64
	SHA256    string
	CreatedAt time.Time
}

// Summary is the completion digest stored on the job row, mirroring what the
// extraction and classification stages counted.
type Summary struct {
	Pages           int  `json:"pages"`
	Capitulos       int  `json:"capitulos"`
	Bisagras        int  `json:"bisagras"`
	Preguntas       int  `json:"preguntas"`
	Tablas          int  `json:"tablas"`
	Figuras         int  `json:"figuras"`
	TotalDetections int  `json:"total_detections"`
	Classified      *int `json:"classified"`
	Unclassified    *int `json:"unclassified"`
}
