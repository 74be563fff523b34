package common

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateJob      = errors.New("job id already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotReady          = errors.New("job result not ready")
	ErrInvalidUpload     = errors.New("invalid upload")
	ErrUploadTooLarge    = errors.New("upload exceeds maximum size")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// Error codes recorded on failed jobs and surfaced on status responses.
const (
	ErrCodeInvalidPDF      = "INVALID_PDF"
	ErrCodeProcessingError = "PROCESSING_ERROR"
	ErrCodeClassifyError   = "CLASSIFY_ERROR"
	ErrCodeQueueError      = "QUEUE_ERROR"
)

// TransientError marks an infrastructure failure (queue, store or ledger
// temporarily unreachable) that is safe to retry with backoff. Anything not
// transient either succeeds on the spot or fails the job.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Transient wraps cause as retryable. Returns nil for a nil cause.
func Transient(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &TransientError{Op: op, Cause: cause}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StageError is a domain failure inside a pipeline stage. It is terminal for
// the job: the error is recorded verbatim and downstream stages never run.
// Infrastructure trouble must not be reported as a StageError.
type StageError struct {
	Stage string
	Code  string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError builds a StageError with a stable error code.
func NewStageError(stage, code string, cause error) *StageError {
	return &StageError{Stage: stage, Code: code, Cause: cause}
}

// AsStageError unwraps err into a StageError if it is one.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// WrapError annotates err without hiding its identity.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
