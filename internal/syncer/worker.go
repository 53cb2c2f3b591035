package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"github.com/pinhawk/pinhawk/internal/config"
	"github.com/pinhawk/pinhawk/internal/metrics"
	"github.com/pinhawk/pinhawk/internal/store"
	"github.com/pinhawk/pinhawk/internal/twitter"
	"github.com/pinhawk/pinhawk/pkg/models"
)

// Runner executes the sync pipeline for one job. The scheduler owns job
// lifecycle; Run only reports the outcome.
type Runner interface {
	Run(ctx context.Context, job *models.SyncJob, user *models.User, client twitter.Client, tracker *progressTracker, notify func()) (*models.JobResult, error)
}

// Worker is the fetch-transform-persist pipeline. One Run call handles one
// job end to end on a single worker slot; pagination is sequential because
// every page depends on the previous page's cursor.
type Worker struct {
	store store.Store
	cfg   config.SyncConfig
}

func NewWorker(st store.Store, cfg config.SyncConfig) *Worker {
	return &Worker{store: st, cfg: cfg}
}

func (w *Worker) retryCfg() retryConfig {
	return retryConfig{
		maxAttempts: w.cfg.RetryAttempts,
		baseDelay:   w.cfg.RetryBaseDelay,
		maxDelay:    w.cfg.RetryMaxDelay,
	}
}

// Run executes the pipeline phases: credential check, paginated fetch (first
// half of the progress bar), transform, batched persist (second half), and
// finalize. Cancellation is honored between pages and between batches, never
// mid-call, so storage is never left with a half-written batch.
func (w *Worker) Run(ctx context.Context, job *models.SyncJob, user *models.User, client twitter.Client, tracker *progressTracker, notify func()) (*models.JobResult, error) {
	start := time.Now()
	log := slog.With("job_id", job.ID, "user_id", job.UserID)

	// Phase 1: token check.
	tracker.SetPhase("checking credentials")
	notify()
	if user.TokenExpired(time.Now()) {
		cred, err := client.RefreshCredential(ctx, user.RefreshToken)
		if err != nil {
			return nil, failJob(CodeAuthRefreshFailed, false, fmt.Errorf("refreshing credential: %w", err))
		}
		if err := w.store.UpdateUserTokens(ctx, user.ID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt); err != nil {
			return nil, failJob(CodeStorageError, true, fmt.Errorf("persisting refreshed credential: %w", err))
		}
		log.Info("refreshed expired credential")
	}

	// Phase 2: fetch.
	maxPages := w.cfg.MaxPagesIncrement
	if job.Options.FullSync {
		maxPages = w.cfg.MaxPagesFull
	}

	limiter := rate.NewLimiter(rate.Every(w.cfg.PacingInterval), 1)
	var items []*models.Bookmark
	var totalFetched int
	cursor := ""

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, failJob(CodeCancelled, false, err)
		}

		// Pacing adapts to remaining quota: slow down when under half.
		interval := w.cfg.PacingInterval
		if !client.QuotaHealthy() {
			interval *= 4
		}
		limiter.SetLimit(rate.Every(interval))
		if err := limiter.Wait(ctx); err != nil {
			return nil, failJob(CodeCancelled, false, err)
		}

		tracker.SetPhase(fmt.Sprintf("fetching page %d", page))
		notify()

		var fetched *twitter.BookmarksPage
		err := retryWithBackoff(ctx, w.retryCfg(), twitter.Retryable, func() error {
			var callErr error
			fetched, callErr = client.Bookmarks(ctx, twitter.BookmarksParams{
				PaginationToken: cursor,
				MaxResults:      w.cfg.PageSize,
			})
			return callErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, failJob(CodeCancelled, false, ctx.Err())
			}
			if fatal, code := fatalFetchError(err); fatal {
				// A circuit-open with partial results is worth keeping;
				// with nothing fetched the job is a provider incident.
				if code == CodeCircuitOpen && totalFetched > 0 {
					tracker.AddError(fmt.Sprintf("page %d: %v", page, err))
					notify()
					break
				}
				return nil, failJob(code, code == CodeCircuitOpen, err)
			}
			// Retries exhausted on a transient error: keep what we have,
			// the cursor cannot advance past the failed page.
			tracker.AddError(fmt.Sprintf("page %d: %v", page, err))
			notify()
			break
		}

		metrics.PagesFetched.Inc()
		totalFetched += len(fetched.Data)

		bookmarks, transformErrs := transformPage(job.UserID, fetched)
		for _, msg := range transformErrs {
			tracker.AddError(msg)
		}
		items = append(items, bookmarks...)

		tracker.SetTotal(totalFetched)
		tracker.Advance(min(49, page*50/maxPages))
		notify()

		w.memoryGuard(ctx, log)

		if fetched.Meta.NextToken == "" {
			break
		}
		cursor = fetched.Meta.NextToken
	}

	tracker.Advance(50)
	notify()
	log.Info("fetch phase done", "fetched", totalFetched, "transformed", len(items))

	// Phase 4: persist in fixed-size batches. Batch errors are recorded and
	// persistence continues with the next batch.
	tracker.SetPhase("saving bookmarks")
	notify()

	var newCount, updatedCount, processed int
	batches := chunkBookmarks(items, w.cfg.BatchSize)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, failJob(CodeCancelled, false, err)
		}

		var inserted, updated int
		err := retryWithBackoff(ctx, w.retryCfg(), transientStorageError, func() error {
			var upsertErr error
			inserted, updated, upsertErr = w.store.UpsertBookmarks(ctx, batch)
			return upsertErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, failJob(CodeCancelled, false, ctx.Err())
			}
			tracker.AddError(fmt.Sprintf("batch %d: %v", i+1, err))
			notify()
			continue
		}

		newCount += inserted
		updatedCount += updated
		processed += len(batch)
		metrics.BookmarksUpserted.WithLabelValues("new").Add(float64(inserted))
		metrics.BookmarksUpserted.WithLabelValues("updated").Add(float64(updated))

		tracker.SetProcessed(processed)
		tracker.Advance(50 + (i+1)*50/len(batches))
		notify()
	}

	// Phase 5: finalize.
	if err := w.store.UpdateUserLastSynced(ctx, user.ID, time.Now().UTC()); err != nil {
		log.Warn("failed to update last synced timestamp", "error", err)
	}
	tracker.SetPhase("completed")
	tracker.Advance(100)
	notify()

	snapshot := tracker.Snapshot()
	result := &models.JobResult{
		TotalFetched: totalFetched,
		NewCount:     newCount,
		UpdatedCount: updatedCount,
		Errors:       snapshot.Errors,
		ElapsedMs:    time.Since(start).Milliseconds(),
	}
	log.Info("sync completed",
		"fetched", result.TotalFetched, "new", result.NewCount,
		"updated", result.UpdatedCount, "errors", len(result.Errors),
		"elapsed_ms", result.ElapsedMs)
	return result, nil
}

// fatalFetchError reports whether a fetch error must abort the job rather
// than end the fetch loop with partial results.
func fatalFetchError(err error) (bool, string) {
	if errors.Is(err, twitter.ErrAuthExpired) {
		return true, CodeAuthRefreshFailed
	}
	if errors.Is(err, twitter.ErrCircuitOpen) {
		return true, CodeCircuitOpen
	}
	var apiErr *twitter.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return true, CodeRequestFailed
	}
	return false, ""
}

// memoryGuard pauses the fetch loop when the heap crosses the configured
// threshold, returning memory to the OS before continuing. Large full syncs
// buffer every fetched item until the persist phase.
func (w *Worker) memoryGuard(ctx context.Context, log *slog.Logger) {
	if w.cfg.MemoryThresholdMB <= 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	threshold := uint64(w.cfg.MemoryThresholdMB) * 1024 * 1024
	if ms.HeapAlloc < threshold {
		return
	}

	log.Warn("heap above threshold, pausing fetch",
		"heap_mb", ms.HeapAlloc/1024/1024, "threshold_mb", w.cfg.MemoryThresholdMB)
	debug.FreeOSMemory()
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
}

func chunkBookmarks(items []*models.Bookmark, size int) [][]*models.Bookmark {
	if size <= 0 {
		size = 50
	}
	var batches [][]*models.Bookmark
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
