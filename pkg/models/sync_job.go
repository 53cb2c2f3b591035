package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

const (
	JobPriorityNormal = "normal"
	JobPriorityHigh   = "high"
)

// TerminalStatus reports whether a job status is final.
func TerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// SyncOptions controls a single sync run. FullSync walks the entire bookmark
// timeline instead of stopping at the incremental page cap; Force admits a new
// job even when one is already active for the user (the active job is
// cancelled first, so one credential never feeds two live jobs).
type SyncOptions struct {
	FullSync bool `json:"full_sync"`
	Force    bool `json:"force"`
}

// JobProgress is the live view of a running job. It is mutated only by the
// single worker that owns the job; readers get copies via the scheduler.
// Percentage is derived and never decreases within one job.
type JobProgress struct {
	Total       int      `json:"total"`
	Processed   int      `json:"processed"`
	Percentage  int      `json:"percentage"`
	CurrentItem string   `json:"current_item,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// JobResult holds final counts persisted when a job reaches a terminal state.
type JobResult struct {
	TotalFetched int      `json:"total_fetched"`
	NewCount     int      `json:"new_count"`
	UpdatedCount int      `json:"updated_count"`
	Errors       []string `json:"errors,omitempty"`
	ElapsedMs    int64    `json:"elapsed_ms"`
}

// JobError distinguishes "fix your credentials" from "try again later" for a
// failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateLimitSnapshot records the provider quota observed when the job finished,
// for operator diagnostics.
type RateLimitSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// SyncJob tracks one user-initiated bookmark sync run. The scheduler owns
// admission and terminal status; the worker owning the job mutates Progress
// while running. Terminal jobs are immutable except for cleanup.
type SyncJob struct {
	ID          uuid.UUID          `db:"id"           json:"id"`
	UserID      uuid.UUID          `db:"user_id"      json:"user_id"`
	Status      string             `db:"status"       json:"status"`
	Priority    string             `db:"priority"     json:"priority"`
	Options     SyncOptions        `db:"options"      json:"options"`
	Attempts    int                `db:"attempts"     json:"attempts"`
	Progress    JobProgress        `db:"progress"     json:"progress"`
	Result      *JobResult         `db:"result"       json:"result,omitempty"`
	RateLimit   *RateLimitSnapshot `db:"rate_limit"   json:"rate_limit,omitempty"`
	Error       *JobError          `db:"error"        json:"error,omitempty"`
	CreatedAt   time.Time          `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time         `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *SyncJob) Terminal() bool {
	return TerminalStatus(j.Status)
}

// JobStats aggregates a user's sync jobs by state.
type JobStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}
