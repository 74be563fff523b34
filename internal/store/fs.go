package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/icsara/docpipe/internal/common"
)

// FSStore keeps one directory per job under a base data dir. Artifacts are
// written to a temp file in the slot and renamed into place, so readers only
// ever see complete files.
type FSStore struct {
	baseDir string
	logger  *slog.Logger
}

// NewFSStore creates the base directory if needed.
func NewFSStore(baseDir string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FSStore{baseDir: baseDir, logger: logger}, nil
}

func (s *FSStore) slotDir(jobID uuid.UUID) string {
	return filepath.Join(s.baseDir, jobID.String())
}

func (s *FSStore) Write(ctx context.Context, jobID uuid.UUID, name string, r io.Reader) (*WriteResult, error) {
	slot := s.slotDir(jobID)
	if err := os.MkdirAll(slot, 0o755); err != nil {
		return nil, common.Transient("create slot", err)
	}

	tmp, err := os.CreateTemp(slot, name+".tmp-*")
	if err != nil {
		return nil, common.Transient("create temp artifact", err)
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, common.Transient("sync artifact", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, common.Transient("close artifact", err)
	}

	final := filepath.Join(slot, name)
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return nil, common.Transient("commit artifact", err)
	}

	res := &WriteResult{
		Path:      final,
		SizeBytes: size,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}
	s.logger.Info("artifact written", "job_id", jobID, "name", name, "bytes", size)
	return res, nil
}

func (s *FSStore) Read(ctx context.Context, jobID uuid.UUID, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.slotDir(jobID), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s/%s: %w", jobID, name, common.ErrNotFound)
		}
		return nil, common.Transient("open artifact", err)
	}
	return f, nil
}

func (s *FSStore) DeleteSlot(ctx context.Context, jobID uuid.UUID) error {
	if err := os.RemoveAll(s.slotDir(jobID)); err != nil {
		return common.Transient("delete slot", err)
	}
	return nil
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
