package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/common"
	"github.com/icsara/docpipe/internal/entity"
)

type progressPayload struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type jobPayload struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Progress  progressPayload `json:"progress"`
	Filename  string          `json:"filename"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Error     *errorPayload   `json:"error,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

type artifactPayload struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	URL       string `json:"url"`
}

type resultPayload struct {
	JobID     string            `json:"job_id"`
	Summary   json.RawMessage   `json:"summary"`
	Artifacts []artifactPayload `json:"artifacts"`
}

func jobToPayload(job *entity.Job) jobPayload {
	p := jobPayload{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		Progress:  progressPayload{Stage: string(job.Progress.Stage), Percent: job.Progress.Percent},
		Filename:  job.SourceFilename,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		ExpiresAt: job.ExpiresAt,
	}
	if job.Status == constants.JobStatusFailed {
		p.Error = &errorPayload{Code: job.ErrorCode, Message: job.ErrorMessage}
	}
	if len(job.Summary) > 0 {
		p.Summary = json.RawMessage(job.Summary)
	}
	return p
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateJob(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	opts := entity.ProcessOptions{
		Classify:   formBool(c, "classify", true),
		IncludePNG: formBool(c, "include_png", true),
	}

	job, err := s.manager.CreateJob(c.Request.Context(), file, header.Filename, contentType, opts)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobToPayload(job))
}

func (s *Server) handleGetStatus(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := s.manager.GetStatus(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToPayload(job))
}

func (s *Server) handleGetResult(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	result, err := s.manager.GetResult(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}

	payload := resultPayload{
		JobID:     result.JobID.String(),
		Summary:   json.RawMessage(result.Summary),
		Artifacts: make([]artifactPayload, 0, len(result.Artifacts)),
	}
	for _, a := range result.Artifacts {
		payload.Artifacts = append(payload.Artifacts, artifactPayload{
			Name:      a.Name,
			SizeBytes: a.SizeBytes,
			SHA256:    a.SHA256,
			URL:       fmt.Sprintf("/v1/jobs/%s/artifacts/%s", result.JobID, a.Name),
		})
	}
	c.JSON(http.StatusOK, payload)
}

// handleGetClassified is a convenience alias for downloading the main
// classification output without walking the manifest first.
func (s *Server) handleGetClassified(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	s.streamArtifact(c, id, constants.ArtifactClasificadas)
}

func (s *Server) handleGetArtifact(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	s.streamArtifact(c, id, c.Param("name"))
}

func (s *Server) streamArtifact(c *gin.Context, id uuid.UUID, name string) {
	entry, rc, err := s.manager.ReadArtifact(c.Request.Context(), id, name)
	if err != nil {
		s.renderError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", `attachment; filename="`+entry.Name+`"`)
	c.DataFromReader(http.StatusOK, entry.SizeBytes, constants.ArtifactContentType(entry.Name), rc, nil)
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	if err := s.manager.DeleteJob(c.Request.Context(), id); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return uuid.Nil, false
	}
	return id, true
}

func formBool(c *gin.Context, field string, def bool) bool {
	raw := c.PostForm(field)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, common.ErrInvalidUpload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrUploadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
