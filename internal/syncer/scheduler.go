package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinhawk/pinhawk/internal/cache"
	"github.com/pinhawk/pinhawk/internal/config"
	"github.com/pinhawk/pinhawk/internal/metrics"
	"github.com/pinhawk/pinhawk/internal/store"
	"github.com/pinhawk/pinhawk/internal/twitter"
	"github.com/pinhawk/pinhawk/pkg/models"
)

// queueCapacity bounds jobs waiting for a worker slot.
const queueCapacity = 100

// ProgressPublisher receives live job events for push subscribers. The
// websocket hub implements it; a no-op implementation is fine for tests.
type ProgressPublisher interface {
	PublishProgress(jobID uuid.UUID, status string, progress models.JobProgress)
	PublishError(jobID uuid.UUID, message string)
	PublishComplete(jobID uuid.UUID, status string, result *models.JobResult)
}

// ClientFactory builds the external API client for one user's credential.
// The scheduler caches the result per user so rate-limit state survives
// across that user's jobs.
type ClientFactory func(user *models.User) twitter.Client

// activeRun is the in-memory handle for a job holding a worker slot or
// waiting for one.
type activeRun struct {
	jobID   uuid.UUID
	userID  uuid.UUID
	cancel  context.CancelFunc
	tracker *progressTracker
	running bool
}

// Scheduler admits sync jobs, enforces one active job per user, dispatches to
// a bounded worker pool, and owns every job status transition. The durable
// record is the source of truth; the in-memory maps are the fast path.
type Scheduler struct {
	store   store.Store
	cache   cache.Cache
	hub     ProgressPublisher
	runner  Runner
	factory ClientFactory
	cfg     config.SyncConfig

	queue  chan uuid.UUID
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	runs         map[uuid.UUID]*activeRun // keyed by job id
	activeByUser map[uuid.UUID]uuid.UUID  // user id -> active job id
	clients      map[uuid.UUID]twitter.Client
	waiting      int
	active       int
	failed       int
}

func NewScheduler(st store.Store, c cache.Cache, hub ProgressPublisher, runner Runner, factory ClientFactory, cfg config.SyncConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:        st,
		cache:        c,
		hub:          hub,
		runner:       runner,
		factory:      factory,
		cfg:          cfg,
		queue:        make(chan uuid.UUID, queueCapacity),
		ctx:          ctx,
		cancel:       cancel,
		runs:         make(map[uuid.UUID]*activeRun),
		activeByUser: make(map[uuid.UUID]uuid.UUID),
		clients:      make(map[uuid.UUID]twitter.Client),
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.WorkerConcurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	slog.Info("scheduler started", "workers", s.cfg.WorkerConcurrency, "queue_capacity", queueCapacity)
}

// Stop cancels all running jobs and waits for the pool to drain, or until ctx
// expires. Running jobs observe the cancellation at their next phase boundary
// and finish as cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler drained")
	case <-ctx.Done():
		slog.Warn("scheduler shutdown timed out before pool drained")
	}
}

// Submit admits a new sync job for the user. While a pending or running job
// exists, submission fails with AlreadyActiveError unless opts.Force is set,
// in which case the active job is cancelled first so the credential's quota
// is never split between two live jobs. The pending record is persisted
// before the id is returned, so a status query never races an invisible job.
func (s *Scheduler) Submit(ctx context.Context, userID uuid.UUID, opts models.SyncOptions) (*models.SyncJob, error) {
	s.mu.Lock()
	var supersededQueued uuid.UUID
	if activeID, ok := s.activeByUser[userID]; ok {
		if !opts.Force {
			s.mu.Unlock()
			return nil, &AlreadyActiveError{JobID: activeID}
		}
		slog.Info("superseding active job", "job_id", activeID)
		if run, ok := s.runs[activeID]; ok {
			if run.running {
				run.cancel()
			} else {
				// Still queued: it never reaches a worker slot once
				// cancelled, so the terminal transition happens here.
				supersededQueued = activeID
			}
		}
	}
	s.mu.Unlock()
	if supersededQueued != uuid.Nil {
		s.finishJob(supersededQueued, userID, models.JobStatusCancelled, nil, nil, nil)
	}

	if _, ok := s.activeJobID(userID); !ok {
		// Memory missed: double-check the durable record, which survives
		// restarts and is the admission source of truth.
		if existing, err := s.store.GetActiveSyncJob(ctx, userID); err == nil {
			if !opts.Force {
				return nil, &AlreadyActiveError{JobID: existing.ID}
			}
			if err := s.store.UpdateSyncJobStatus(ctx, existing.ID, models.JobStatusCancelled); err != nil {
				slog.Warn("failed to cancel superseded job", "job_id", existing.ID, "error", err)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	priority := models.JobPriorityNormal
	if opts.FullSync || opts.Force {
		priority = models.JobPriorityHigh
	}

	job := &models.SyncJob{
		ID:        uuid.New(),
		UserID:    userID,
		Status:    models.JobStatusPending,
		Priority:  priority,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSyncJob(ctx, job); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[job.ID] = &activeRun{jobID: job.ID, userID: userID}
	s.activeByUser[userID] = job.ID
	s.waiting++
	s.mu.Unlock()
	metrics.JobsWaiting.Inc()

	select {
	case s.queue <- job.ID:
	default:
		s.finishJob(job.ID, userID, models.JobStatusFailed, nil, &models.JobError{
			Code: CodeStorageError, Message: "sync queue is full",
		}, nil)
		return nil, ErrQueueFull
	}

	slog.Info("sync job admitted", "job_id", job.ID, "user_id", userID,
		"priority", priority, "full_sync", opts.FullSync, "force", opts.Force)
	return job, nil
}

func (s *Scheduler) activeJobID(userID uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeByUser[userID]
	return id, ok
}

// Cancel marks a job cancelled. Terminal jobs make it an idempotent no-op.
func (s *Scheduler) Cancel(ctx context.Context, jobID, userID uuid.UUID) error {
	job, err := s.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrAccessDenied
	}
	if job.Terminal() {
		return nil
	}

	s.mu.Lock()
	run, live := s.runs[jobID]
	runningNow := live && run.running
	if live && run.cancel != nil {
		run.cancel()
	}
	s.mu.Unlock()

	// A queued job never reaches a worker slot, so its terminal transition
	// happens here; a running one is finalized by the worker loop.
	if !runningNow {
		s.finishJob(jobID, userID, models.JobStatusCancelled, nil, nil, nil)
	}
	slog.Info("sync job cancelled", "job_id", jobID, "was_running", runningNow)
	return nil
}

// Status returns the durable job record merged with live progress when the
// job is still running, so polled progress never regresses.
func (s *Scheduler) Status(ctx context.Context, jobID uuid.UUID) (*models.SyncJob, error) {
	job, err := s.lookupJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	run, ok := s.runs[jobID]
	s.mu.Unlock()
	if ok && run.tracker != nil && !job.Terminal() {
		live := run.tracker.Snapshot()
		if live.Percentage >= job.Progress.Percentage {
			job.Progress = live
		}
	}
	return job, nil
}

// lookupJob hits the Redis snapshot first and falls back to Postgres.
func (s *Scheduler) lookupJob(ctx context.Context, jobID uuid.UUID) (*models.SyncJob, error) {
	if raw, found, err := s.cache.GetJobSnapshot(ctx, jobID); err == nil && found {
		var job models.SyncJob
		if json.Unmarshal(raw, &job) == nil {
			return &job, nil
		}
	}
	return s.store.GetSyncJob(ctx, jobID)
}

// ListActive returns the user's pending or running jobs.
func (s *Scheduler) ListActive(ctx context.Context, userID uuid.UUID) ([]*models.SyncJob, error) {
	job, err := s.store.GetActiveSyncJob(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []*models.SyncJob{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []*models.SyncJob{job}, nil
}

// Stats aggregates the user's jobs by state from the durable record.
func (s *Scheduler) Stats(ctx context.Context, userID uuid.UUID) (*models.JobStats, error) {
	return s.store.SyncJobStats(ctx, userID)
}

// QueueStats reports the process-local queue counters used by the health
// endpoint. The failed counter resets when the process restarts.
func (s *Scheduler) QueueStats() (waiting, active, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting, s.active, s.failed
}

// --- worker pool ---

func (s *Scheduler) workerLoop(slot int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case jobID := <-s.queue:
			s.runJob(slot, jobID)
		}
	}
}

func (s *Scheduler) runJob(slot int, jobID uuid.UUID) {
	job, err := s.store.GetSyncJob(s.ctx, jobID)
	if err != nil {
		slog.Error("dequeued job not loadable", "job_id", jobID, "error", err)
		s.forget(jobID)
		return
	}
	if job.Status != models.JobStatusPending {
		// Cancelled while queued.
		s.forget(jobID)
		return
	}

	jobCtx, cancelJob := context.WithCancel(s.ctx)
	defer cancelJob()
	tracker := newProgressTracker()

	s.mu.Lock()
	run, ok := s.runs[jobID]
	if !ok {
		run = &activeRun{jobID: jobID, userID: job.UserID}
		s.runs[jobID] = run
	}
	run.cancel = cancelJob
	run.tracker = tracker
	run.running = true
	s.waiting--
	s.active++
	s.mu.Unlock()
	metrics.JobsWaiting.Dec()
	metrics.JobsActive.Inc()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		metrics.JobsActive.Dec()
	}()

	log := slog.With("job_id", jobID, "user_id", job.UserID, "slot", slot)

	user, err := s.store.GetUser(s.ctx, job.UserID)
	if err != nil {
		log.Error("job owner not loadable", "error", err)
		s.finishJob(jobID, job.UserID, models.JobStatusFailed, nil,
			&models.JobError{Code: CodeStorageError, Message: err.Error()}, nil)
		return
	}
	client := s.clientFor(user)

	notify := func() {
		progress := tracker.Snapshot()
		s.hub.PublishProgress(jobID, models.JobStatusRunning, progress)
		if err := s.store.UpdateSyncJobProgress(s.ctx, jobID, progress); err != nil {
			log.Warn("progress checkpoint failed", "error", err)
		}
		s.cacheSnapshot(jobID)
	}

	// Queue-level retry: exponential backoff from the configured base,
	// doubling per attempt. Exhausting it fails the job for good.
	var result *models.JobResult
	var runErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err := s.store.UpdateSyncJobStatus(s.ctx, jobID, models.JobStatusRunning, store.WithAttempts(attempt)); err != nil {
			log.Error("failed to mark job running", "error", err)
			s.finishJob(jobID, job.UserID, models.JobStatusFailed, nil,
				&models.JobError{Code: CodeStorageError, Message: err.Error()}, nil)
			return
		}
		if attempt > 1 {
			log.Info("retrying job", "attempt", attempt)
		}

		result, runErr = s.runner.Run(jobCtx, job, user, client, tracker, notify)
		if runErr == nil || jobCtx.Err() != nil || !retryableFailure(runErr) {
			break
		}

		delay := s.cfg.RetryBaseDelay << (attempt - 1)
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
		select {
		case <-time.After(delay):
		case <-jobCtx.Done():
		}
	}

	rl := client.RateLimit()
	snapshot := &models.RateLimitSnapshot{Limit: rl.Limit, Remaining: rl.Remaining, ResetAt: rl.ResetAt}

	switch {
	case runErr == nil:
		s.finishJob(jobID, job.UserID, models.JobStatusCompleted, result, nil, snapshot)
	case jobCtx.Err() != nil || failureCode(runErr) == CodeCancelled:
		s.finishJob(jobID, job.UserID, models.JobStatusCancelled, nil, nil, snapshot)
	default:
		log.Error("sync job failed", "error", runErr)
		s.hub.PublishError(jobID, runErr.Error())
		s.finishJob(jobID, job.UserID, models.JobStatusFailed, nil,
			&models.JobError{Code: failureCode(runErr), Message: runErr.Error()}, snapshot)
	}
}

// finishJob persists the terminal state, publishes the terminal event, and
// releases the user's admission slot.
func (s *Scheduler) finishJob(jobID, userID uuid.UUID, status string, result *models.JobResult, jobErr *models.JobError, rl *models.RateLimitSnapshot) {
	// Terminal status must land even during shutdown, after the base
	// context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []store.JobUpdateOption{}
	if result != nil {
		opts = append(opts, store.WithResult(*result))
	}
	if jobErr != nil {
		opts = append(opts, store.WithJobError(jobErr.Code, jobErr.Message))
	}
	if rl != nil {
		opts = append(opts, store.WithRateLimit(*rl))
	}
	if err := s.store.UpdateSyncJobStatus(ctx, jobID, status, opts...); err != nil {
		slog.Error("failed to persist terminal job status", "job_id", jobID, "status", status, "error", err)
	}

	metrics.JobsTotal.WithLabelValues(status).Inc()
	if status == models.JobStatusFailed {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
	}

	s.cacheSnapshot(jobID)
	s.hub.PublishComplete(jobID, status, result)
	s.forget(jobID)
}

// forget drops the in-memory handle, freeing the user's admission slot.
func (s *Scheduler) forget(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return
	}
	delete(s.runs, jobID)
	if current, ok := s.activeByUser[run.userID]; ok && current == jobID {
		delete(s.activeByUser, run.userID)
		s.evictClientLocked(run.userID)
	}
	if !run.running {
		s.waiting--
		metrics.JobsWaiting.Dec()
	}
}

// evictClientLocked drops the user's cached API client once nothing needs the
// quota state it carries. A client with a depleted quota window stays cached
// until the window resets, so the user's next job inherits the rate-limit
// state. Callers hold s.mu.
func (s *Scheduler) evictClientLocked(userID uuid.UUID) {
	c, ok := s.clients[userID]
	if !ok {
		return
	}
	if !c.QuotaHealthy() && time.Now().Before(c.RateLimit().ResetAt) {
		return
	}
	delete(s.clients, userID)
}

// cacheSnapshot refreshes the Redis copy of the durable record.
func (s *Scheduler) cacheSnapshot(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := s.store.GetSyncJob(ctx, jobID)
	if err != nil {
		return
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := s.cache.SetJobSnapshot(ctx, jobID, raw, s.cfg.ProgressCacheTTL); err != nil {
		slog.Debug("job snapshot cache write failed", "job_id", jobID, "error", err)
	}
}

// clientFor returns the user's cached API client so rate-limit state is
// shared across that credential's jobs.
func (s *Scheduler) clientFor(user *models.User) twitter.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[user.ID]; ok {
		return c
	}
	c := s.factory(user)
	s.clients[user.ID] = c
	return c
}
