package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pinhawk/pinhawk/internal/config"
	"github.com/pinhawk/pinhawk/internal/store"
	"github.com/pinhawk/pinhawk/internal/twitter"
	"github.com/pinhawk/pinhawk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- in-memory fakes shared by worker and scheduler tests ---

type memStore struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*models.User
	jobs       map[uuid.UUID]*models.SyncJob
	bookmarks  map[string]*models.Bookmark
	failBatch  int   // 1-based upsert call index to fail, 0 = never
	batchErr   error // error returned for the failing batch
	batchCalls int
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[uuid.UUID]*models.User),
		jobs:      make(map[uuid.UUID]*models.SyncJob),
		bookmarks: make(map[string]*models.Bookmark),
	}
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) UpdateUserTokens(ctx context.Context, id uuid.UUID, access, refresh string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.AccessToken = access
	u.RefreshToken = refresh
	u.TokenExpiresAt = &expiresAt
	return nil
}

func (m *memStore) UpdateUserLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastSyncedAt = &at
	return nil
}

func (m *memStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error { return nil }
func (m *memStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error   { return nil }
func (m *memStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memStore) RevokeAPIKey(ctx context.Context, id, userID uuid.UUID) error { return nil }

func (m *memStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetSyncJob(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) GetActiveSyncJob(ctx context.Context, userID uuid.UUID) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.UserID == userID && !j.Terminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateSyncJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Terminal() && status != j.Status {
		return fmt.Errorf("invalid job status transition: %s -> %s", j.Status, status)
	}

	now := time.Now().UTC()
	if status == models.JobStatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if models.TerminalStatus(status) {
		j.CompletedAt = &now
	}
	j.Status = status

	u := store.ApplyJobUpdate(opts...)
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.RateLimit != nil {
		j.RateLimit = u.RateLimit
	}
	if u.Error != nil {
		j.Error = u.Error
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	return nil
}

func (m *memStore) UpdateSyncJobProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Progress = p
	return nil
}

func (m *memStore) ListSyncJobs(ctx context.Context, filter store.JobFilter) ([]*models.SyncJob, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*models.SyncJob
	for _, j := range m.jobs {
		if j.UserID == filter.UserID && (filter.Status == "" || j.Status == filter.Status) {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	return jobs, len(jobs), nil
}

func (m *memStore) SyncJobStats(ctx context.Context, userID uuid.UUID) (*models.JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.JobStats
	for _, j := range m.jobs {
		if j.UserID != userID {
			continue
		}
		switch j.Status {
		case models.JobStatusPending:
			stats.Waiting++
		case models.JobStatusRunning:
			stats.Active++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusCancelled:
			stats.Cancelled++
		}
		stats.Total++
	}
	return &stats, nil
}

func (m *memStore) FailInterruptedJobs(ctx context.Context) (int64, error) { return 0, nil }

func (m *memStore) UpsertBookmarks(ctx context.Context, bookmarks []*models.Bookmark) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	if m.failBatch != 0 && m.batchCalls == m.failBatch {
		return 0, 0, m.batchErr
	}

	var inserted, updated int
	for _, b := range bookmarks {
		key := b.UserID.String() + ":" + b.TweetID
		existing, ok := m.bookmarks[key]
		switch {
		case !ok:
			cp := *b
			m.bookmarks[key] = &cp
			inserted++
		case existing.ContentHash != b.ContentHash:
			cp := *b
			m.bookmarks[key] = &cp
			updated++
		}
	}
	return inserted, updated, nil
}

func (m *memStore) CountBookmarks(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, b := range m.bookmarks {
		if b.UserID == userID {
			count++
		}
	}
	return count, nil
}

var _ store.Store = (*memStore)(nil)

// pageResult scripts one Bookmarks call of the fake client.
type pageResult struct {
	page *twitter.BookmarksPage
	err  error
}

type fakeTwitterClient struct {
	mu        sync.Mutex
	script    []pageResult
	calls     int
	refreshes int
	refresh   *twitter.Credential
	refreshEr error
	unhealthy bool
	rate      twitter.RateLimitSnapshot
}

func (f *fakeTwitterClient) Bookmarks(ctx context.Context, params twitter.BookmarksParams) (*twitter.BookmarksPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.script) {
		return &twitter.BookmarksPage{}, nil
	}
	r := f.script[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.page, nil
}

func (f *fakeTwitterClient) RefreshCredential(ctx context.Context, refreshToken string) (*twitter.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshEr != nil {
		return nil, f.refreshEr
	}
	if f.refresh != nil {
		return f.refresh, nil
	}
	return &twitter.Credential{AccessToken: "fresh", RefreshToken: "fresh-r", ExpiresAt: time.Now().Add(2 * time.Hour)}, nil
}

func (f *fakeTwitterClient) RateLimit() twitter.RateLimitSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rate != (twitter.RateLimitSnapshot{}) {
		return f.rate
	}
	return twitter.RateLimitSnapshot{Limit: 180, Remaining: 170}
}

func (f *fakeTwitterClient) QuotaHealthy() bool { return !f.unhealthy }

var _ twitter.Client = (*fakeTwitterClient)(nil)

type nopPublisher struct{}

func (nopPublisher) PublishProgress(jobID uuid.UUID, status string, p models.JobProgress) {}
func (nopPublisher) PublishError(jobID uuid.UUID, message string)                         {}
func (nopPublisher) PublishComplete(jobID uuid.UUID, status string, r *models.JobResult)  {}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		WorkerConcurrency: 2,
		BatchSize:         50,
		MaxPagesFull:      200,
		MaxPagesIncrement: 10,
		PageSize:          100,
		RetryAttempts:     2,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		PacingInterval:    time.Millisecond,
		MemoryThresholdMB: 0,
		ProgressCacheTTL:  time.Minute,
	}
}

func makeTweets(start, n int) ([]twitter.Tweet, []twitter.TweetUser) {
	tweets := make([]twitter.Tweet, 0, n)
	for i := 0; i < n; i++ {
		tweets = append(tweets, twitter.Tweet{
			ID:       fmt.Sprintf("t%d", start+i),
			Text:     fmt.Sprintf("tweet %d", start+i),
			AuthorID: "u1",
		})
	}
	return tweets, []twitter.TweetUser{{ID: "u1", Username: "jane", Name: "Jane"}}
}

func makePage(start, n int, nextToken string) *twitter.BookmarksPage {
	tweets, users := makeTweets(start, n)
	return &twitter.BookmarksPage{
		Data:     tweets,
		Includes: twitter.Includes{Users: users},
		Meta:     twitter.PageMeta{ResultCount: n, NextToken: nextToken},
	}
}

func workerFixture(t *testing.T) (*memStore, *models.User, *models.SyncJob) {
	t.Helper()
	st := newMemStore()
	user := &models.User{
		ID:            uuid.New(),
		Username:      "alice",
		TwitterUserID: "12345",
		AccessToken:   "access",
		RefreshToken:  "refresh",
	}
	require.NoError(t, st.CreateUser(context.Background(), user))
	job := &models.SyncJob{
		ID:        uuid.New(),
		UserID:    user.ID,
		Status:    models.JobStatusRunning,
		Priority:  models.JobPriorityNormal,
		Options:   models.SyncOptions{FullSync: true},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateSyncJob(context.Background(), job))
	return st, user, job
}

// --- Worker tests ---

func TestWorker_HappyPathTwoPages(t *testing.T) {
	st, user, job := workerFixture(t)
	client := &fakeTwitterClient{script: []pageResult{
		{page: makePage(0, 100, "cursor-2")},
		{page: makePage(100, 30, "")},
	}}
	w := NewWorker(st, testSyncConfig())
	tracker := newProgressTracker()

	result, err := w.Run(context.Background(), job, user, client, tracker, func() {})
	require.NoError(t, err)

	assert.Equal(t, 130, result.TotalFetched)
	assert.Equal(t, 130, result.NewCount)
	assert.Equal(t, 0, result.UpdatedCount)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 100, tracker.Snapshot().Percentage)

	count, err := st.CountBookmarks(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 130, count)

	u, err := st.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.NotNil(t, u.LastSyncedAt)
}

func TestWorker_RerunIsIdempotent(t *testing.T) {
	st, user, job := workerFixture(t)
	w := NewWorker(st, testSyncConfig())

	client := &fakeTwitterClient{script: []pageResult{{page: makePage(0, 40, "")}}}
	result, err := w.Run(context.Background(), job, user, client, newProgressTracker(), func() {})
	require.NoError(t, err)
	assert.Equal(t, 40, result.NewCount)

	// Same content again: no new rows, no updates.
	client2 := &fakeTwitterClient{script: []pageResult{{page: makePage(0, 40, "")}}}
	result, err = w.Run(context.Background(), job, user, client2, newProgressTracker(), func() {})
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewCount)
	assert.Equal(t, 0, result.UpdatedCount)

	count, _ := st.CountBookmarks(context.Background(), user.ID)
	assert.Equal(t, 40, count)
}

func TestWorker_RateLimitSleepAndContinue(t *testing.T) {
	st, user, job := workerFixture(t)
	client := &fakeTwitterClient{script: []pageResult{
		{err: &twitter.RateLimitError{RetryAfter: 50 * time.Millisecond}},
		{page: makePage(0, 20, "")},
	}}
	w := NewWorker(st, testSyncConfig())
	tracker := newProgressTracker()

	start := time.Now()
	result, err := w.Run(context.Background(), job, user, client, tracker, func() {})
	require.NoError(t, err)

	// The 429 is retried after the provider's hint, recorded nowhere.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 20, result.TotalFetched)
	assert.Empty(t, result.Errors)
}

func TestWorker_BatchSplitWithPartialFailure(t *testing.T) {
	st, user, job := workerFixture(t)
	st.failBatch = 2
	st.batchErr = errors.New("check constraint violated")

	client := &fakeTwitterClient{script: []pageResult{{page: makePage(0, 100, "")}}}
	w := NewWorker(st, testSyncConfig())

	result, err := w.Run(context.Background(), job, user, client, newProgressTracker(), func() {})
	require.NoError(t, err)

	// 100 items, batch size 50: exactly 2 batches. Batch 2's non-transient
	// failure costs its rows but not the job.
	assert.Equal(t, 100, result.TotalFetched)
	assert.Equal(t, 50, result.NewCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "batch 2")

	count, _ := st.CountBookmarks(context.Background(), user.ID)
	assert.Equal(t, 50, count)
}

func TestWorker_BadRequestAbortsJob(t *testing.T) {
	st, user, job := workerFixture(t)
	client := &fakeTwitterClient{script: []pageResult{
		{err: &twitter.APIError{StatusCode: 400, Detail: "invalid pagination token"}},
	}}
	w := NewWorker(st, testSyncConfig())

	_, err := w.Run(context.Background(), job, user, client, newProgressTracker(), func() {})
	require.Error(t, err)
	assert.Equal(t, CodeRequestFailed, failureCode(err))
	assert.False(t, retryableFailure(err))
}

func TestWorker_TransientFailureKeepsPartialResults(t *testing.T) {
	st, user, job := workerFixture(t)
	client := &fakeTwitterClient{script: []pageResult{
		{page: makePage(0, 50, "cursor-2")},
		// Exhausts both retry attempts.
		{err: twitter.ErrUnreachable},
		{err: twitter.ErrUnreachable},
	}}
	w := NewWorker(st, testSyncConfig())

	result, err := w.Run(context.Background(), job, user, client, newProgressTracker(), func() {})
	require.NoError(t, err)

	assert.Equal(t, 50, result.TotalFetched)
	assert.Equal(t, 50, result.NewCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "page 2")
}

func TestWorker_TokenRefreshOnExpiry(t *testing.T) {
	st, user, job := workerFixture(t)
	expired := time.Now().Add(-time.Hour)
	user.TokenExpiresAt = &expired
	st.users[user.ID].TokenExpiresAt = &expired

	client := &fakeTwitterClient{script: []pageResult{{page: makePage(0, 5, "")}}}
	w := NewWorker(st, testSyncConfig())

	_, err := w.Run(context.Background(), job, user, client, newProgressTracker(), func() {})
	require.NoError(t, err)
	assert.Equal(t, 1, client.refreshes)

	u, _ := st.GetUser(context.Background(), user.ID)
	assert.Equal(t, "fresh", u.AccessToken)
	assert.Equal(t, "fresh-r", u.RefreshToken)
}

func TestWorker_TokenRefreshFailureIsFatal(t *testing.T) {
	st, user, job := workerFixture(t)
	expired := time.Now().Add(-time.Hour)
	user.TokenExpiresAt = &expired

	client := &fakeTwitterClient{refreshEr: twitter.ErrAuthExpired}
	w := NewWorker(st, testSyncConfig())

	_, err := w.Run(context.Background(), job, user, client, newProgressTracker(), func() {})
	require.Error(t, err)
	assert.Equal(t, CodeAuthRefreshFailed, failureCode(err))
	assert.False(t, retryableFailure(err))
}

func TestWorker_CancelledBeforeFetch(t *testing.T) {
	st, user, job := workerFixture(t)
	client := &fakeTwitterClient{script: []pageResult{{page: makePage(0, 5, "")}}}
	w := NewWorker(st, testSyncConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Run(ctx, job, user, client, newProgressTracker(), func() {})
	require.Error(t, err)
	assert.Equal(t, CodeCancelled, failureCode(err))
}

func TestWorker_IncrementalPageCap(t *testing.T) {
	st, user, job := workerFixture(t)
	job.Options = models.SyncOptions{}
	cfg := testSyncConfig()
	cfg.MaxPagesIncrement = 2

	// Endless cursor: the cap must stop the loop.
	client := &fakeTwitterClient{script: []pageResult{
		{page: makePage(0, 10, "c1")},
		{page: makePage(10, 10, "c2")},
		{page: makePage(20, 10, "c3")},
	}}
	w := NewWorker(st, cfg)

	result, err := w.Run(context.Background(), job, user, client, newProgressTracker(), func() {})
	require.NoError(t, err)
	assert.Equal(t, 20, result.TotalFetched)
	assert.Equal(t, 2, client.calls)
}
