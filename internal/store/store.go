package store

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// WriteResult describes a committed artifact file.
type WriteResult struct {
	Path      string
	SizeBytes int64
	SHA256    string
}

// ArtifactStore owns the bytes of every job's storage slot. Write must be
// all-or-nothing: a partially written artifact is never visible under its
// final name, which is what lets a concurrent reader trust anything it can
// open. DeleteSlot removes a job's entire slot and is idempotent.
type ArtifactStore interface {
	Write(ctx context.Context, jobID uuid.UUID, name string, r io.Reader) (*WriteResult, error)
	Read(ctx context.Context, jobID uuid.UUID, name string) (io.ReadCloser, error)
	DeleteSlot(ctx context.Context, jobID uuid.UUID) error
}
