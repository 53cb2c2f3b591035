package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/pinhawk/pinhawk/internal/api/middleware"
	"github.com/pinhawk/pinhawk/internal/api/response"
	"github.com/pinhawk/pinhawk/internal/store"
	"github.com/pinhawk/pinhawk/internal/syncer"
	"github.com/pinhawk/pinhawk/internal/ws"
	"github.com/pinhawk/pinhawk/pkg/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// JobService is the scheduler surface the sync handlers depend on.
type JobService interface {
	Submit(ctx context.Context, userID uuid.UUID, opts models.SyncOptions) (*models.SyncJob, error)
	Status(ctx context.Context, jobID uuid.UUID) (*models.SyncJob, error)
	Cancel(ctx context.Context, jobID, userID uuid.UUID) error
	Stats(ctx context.Context, userID uuid.UUID) (*models.JobStats, error)
}

// NewSubmitSyncHandler returns an http.HandlerFunc for POST /api/v1/sync.
func NewSubmitSyncHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		// The body is optional; an empty POST means a normal incremental sync.
		var req struct {
			FullSync bool `json:"full_sync"`
			Force    bool `json:"force"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), userID, models.SyncOptions{
			FullSync: req.FullSync,
			Force:    req.Force,
		})
		if err != nil {
			var active *syncer.AlreadyActiveError
			switch {
			case errors.As(err, &active):
				response.Error(w, http.StatusConflict, "SYNC_JOB_ACTIVE",
					"A sync job is already active for this user",
					map[string]string{"job_id": active.JobID.String()})
			case errors.Is(err, syncer.ErrQueueFull):
				response.Error(w, http.StatusServiceUnavailable, "QUEUE_FULL",
					"The sync queue is full, try again later", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, job)
	}
}

// NewSyncStatusHandler returns an http.HandlerFunc for GET /api/v1/sync/status/{jobID}.
func NewSyncStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		job, done := loadOwnedJob(w, r, svc, userID)
		if done {
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelSyncHandler returns an http.HandlerFunc for POST /api/v1/sync/cancel/{jobID}.
func NewCancelSyncHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		if err := svc.Cancel(r.Context(), jobID, userID); err != nil {
			writeJobError(w, err)
			return
		}

		job, err := svc.Status(r.Context(), jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewSyncHistoryHandler returns an http.HandlerFunc for GET /api/v1/sync/history.
func NewSyncHistoryHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		limit := queryInt(r, "limit", defaultHistoryLimit)
		if limit < 1 {
			limit = defaultHistoryLimit
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		jobs, total, err := st.ListSyncJobs(r.Context(), store.JobFilter{
			UserID: userID,
			Status: r.URL.Query().Get("status"),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list sync jobs", nil)
			return
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Limit:   limit,
			Offset:  offset,
			Total:   total,
			HasNext: offset+len(jobs) < total,
		})
	}
}

// NewSyncStatsHandler returns an http.HandlerFunc for GET /api/v1/sync/stats.
func NewSyncStatsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		stats, err := svc.Stats(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to aggregate sync stats", nil)
			return
		}
		response.JSON(w, stats)
	}
}

// NewSyncSocketHandler returns an http.HandlerFunc for GET /api/v1/sync/ws/{jobID}.
// Ownership is checked before the connection is upgraded.
func NewSyncSocketHandler(svc JobService, hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		job, done := loadOwnedJob(w, r, svc, userID)
		if done {
			return
		}

		if err := ws.ServeJob(hub, job.ID, w, r); err != nil {
			// Upgrade failures already wrote the response.
			return
		}

		// Re-check after subscribing: a job that finished before the
		// subscriber attached still gets its terminal event from the durable
		// record, and the hub then closes the session.
		if cur, err := svc.Status(r.Context(), job.ID); err == nil && cur.Terminal() {
			hub.PublishComplete(cur.ID, cur.Status, cur.Result)
		}
	}
}

// loadOwnedJob parses {jobID}, loads the job, and enforces ownership. It
// reports true when a response has already been written.
func loadOwnedJob(w http.ResponseWriter, r *http.Request, svc JobService, userID uuid.UUID) (*models.SyncJob, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
		return nil, true
	}

	job, err := svc.Status(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return nil, true
	}
	if job.UserID != userID {
		response.Error(w, http.StatusForbidden, "ACCESS_DENIED",
			"Job belongs to another user", nil)
		return nil, true
	}
	return job, false
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Sync job not found", nil)
	case errors.Is(err, syncer.ErrAccessDenied):
		response.Error(w, http.StatusForbidden, "ACCESS_DENIED", "Job belongs to another user", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
