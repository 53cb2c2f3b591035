package syncer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrAccessDenied = errors.New("job belongs to another user")
var ErrQueueFull = errors.New("sync queue is full")

// AlreadyActiveError rejects a submit while the user already has a pending or
// running job. It carries the active job's id so the caller can poll it.
type AlreadyActiveError struct {
	JobID uuid.UUID
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("sync job %s already active", e.JobID)
}

// Job error codes persisted on failed jobs. They separate "fix your
// credentials" from "try again later" from "provider incident".
const (
	CodeAuthRefreshFailed = "AUTH_REFRESH_FAILED"
	CodeRequestFailed     = "REQUEST_FAILED"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeStorageError      = "STORAGE_ERROR"
	CodeCancelled         = "CANCELLED"
)

// jobFailure is a fatal pipeline error: it carries the persisted error code
// and whether a queue-level retry attempt makes sense.
type jobFailure struct {
	code      string
	retryable bool
	err       error
}

func (f *jobFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.code, f.err)
}

func (f *jobFailure) Unwrap() error {
	return f.err
}

func failJob(code string, retryable bool, err error) *jobFailure {
	return &jobFailure{code: code, retryable: retryable, err: err}
}

// failureCode extracts the persisted error code from a pipeline error.
func failureCode(err error) string {
	var jf *jobFailure
	if errors.As(err, &jf) {
		return jf.code
	}
	return CodeRequestFailed
}

// retryableFailure reports whether the queue should re-run the job.
func retryableFailure(err error) bool {
	var jf *jobFailure
	if errors.As(err, &jf) {
		return jf.retryable
	}
	return true
}
