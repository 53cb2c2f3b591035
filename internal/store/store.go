package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pinhawk/pinhawk/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateUserTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateUserLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	GetSyncJob(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	GetActiveSyncJob(ctx context.Context, userID uuid.UUID) (*models.SyncJob, error)
	UpdateSyncJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	UpdateSyncJobProgress(ctx context.Context, id uuid.UUID, progress models.JobProgress) error
	ListSyncJobs(ctx context.Context, filter JobFilter) ([]*models.SyncJob, int, error)
	SyncJobStats(ctx context.Context, userID uuid.UUID) (*models.JobStats, error)
	FailInterruptedJobs(ctx context.Context) (int64, error)

	UpsertBookmarks(ctx context.Context, bookmarks []*models.Bookmark) (inserted int, updated int, err error)
	CountBookmarks(ctx context.Context, userID uuid.UUID) (int, error)
}

// JobFilter selects sync jobs for history listings.
type JobFilter struct {
	UserID uuid.UUID
	Status string
	Limit  int
	Offset int
}

// JobUpdate collects the optional fields of a status transition. Mock stores
// apply options through ApplyJobUpdate.
type JobUpdate struct {
	Progress  *models.JobProgress
	Result    *models.JobResult
	RateLimit *models.RateLimitSnapshot
	Error     *models.JobError
	Attempts  *int
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdate folds options into one JobUpdate.
func ApplyJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithProgress(p models.JobProgress) JobUpdateOption {
	return func(u *JobUpdate) { u.Progress = &p }
}

func WithResult(r models.JobResult) JobUpdateOption {
	return func(u *JobUpdate) { u.Result = &r }
}

func WithRateLimit(rl models.RateLimitSnapshot) JobUpdateOption {
	return func(u *JobUpdate) { u.RateLimit = &rl }
}

func WithJobError(code, message string) JobUpdateOption {
	return func(u *JobUpdate) { u.Error = &models.JobError{Code: code, Message: message} }
}

func WithAttempts(n int) JobUpdateOption {
	return func(u *JobUpdate) { u.Attempts = &n }
}
