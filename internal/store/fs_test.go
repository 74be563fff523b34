package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/icsara/docpipe/internal/common"
)

func newTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFSStore(dir, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, dir
}

func TestWriteAndRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	res, err := s.Write(ctx, jobID, "preguntas.json", strings.NewReader(`[{"numero":1}]`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.SizeBytes != int64(len(`[{"numero":1}]`)) {
		t.Errorf("size = %d", res.SizeBytes)
	}
	if len(res.SHA256) != 64 {
		t.Errorf("sha256 = %q, want 64 hex chars", res.SHA256)
	}

	rc, err := s.Read(ctx, jobID, "preguntas.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != `[{"numero":1}]` {
		t.Errorf("read back %q", data)
	}
}

func TestWriteHashMatchesContent(t *testing.T) {
	s, _ := newTestStore(t)
	jobID := uuid.New()

	res, err := s.Write(context.Background(), jobID, "texto_total.txt", bytes.NewReader([]byte("hola")))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	onDisk, err := HashFile(res.Path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if onDisk != res.SHA256 {
		t.Errorf("hash mismatch: write reported %s, file has %s", res.SHA256, onDisk)
	}
}

type failingReader struct {
	data []byte
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		n := copy(p, r.data)
		return n, nil
	}
	return 0, errors.New("source stream broke")
}

func TestPartialWriteLeavesNothingVisible(t *testing.T) {
	s, dir := newTestStore(t)
	jobID := uuid.New()

	_, err := s.Write(context.Background(), jobID, "texto_total.txt", &failingReader{data: []byte("partial")})
	if err == nil {
		t.Fatalf("write succeeded on a broken stream")
	}

	if _, err := os.Stat(filepath.Join(dir, jobID.String(), "texto_total.txt")); !os.IsNotExist(err) {
		t.Errorf("partial artifact is visible under its final name")
	}
	entries, _ := os.ReadDir(filepath.Join(dir, jobID.String()))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file %s not cleaned up", e.Name())
		}
	}
}

func TestOverwriteReplacesAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	if _, err := s.Write(ctx, jobID, "preguntas.txt", strings.NewReader("primera")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := s.Write(ctx, jobID, "preguntas.txt", strings.NewReader("segunda")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	rc, err := s.Read(ctx, jobID, "preguntas.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "segunda" {
		t.Errorf("read back %q, want the overwrite", data)
	}
}

func TestReadMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Read(context.Background(), uuid.New(), "preguntas.json")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSlotIsIdempotent(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	if _, err := s.Write(ctx, jobID, "preguntas.json", strings.NewReader("[]")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.DeleteSlot(ctx, jobID); err != nil {
		t.Fatalf("delete slot: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, jobID.String())); !os.IsNotExist(err) {
		t.Errorf("slot directory still present")
	}
	if err := s.DeleteSlot(ctx, jobID); err != nil {
		t.Fatalf("second delete slot: %v", err)
	}
}
