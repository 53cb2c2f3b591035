package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pinhawk/pinhawk/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, twitter_user_id, access_token, refresh_token, token_expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Username, user.TwitterUserID, user.AccessToken, user.RefreshToken,
		user.TokenExpiresAt, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, twitter_user_id, access_token, refresh_token, token_expires_at, last_synced_at, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.TwitterUserID, &u.AccessToken, &u.RefreshToken,
		&u.TokenExpiresAt, &u.LastSyncedAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUserTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = NOW()
		 WHERE id = $1`, id, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update user tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateUserLastSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET last_synced_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update user last synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sync Jobs ---

const syncJobColumns = `id, user_id, status, priority, options, attempts, progress, result, rate_limit, error, created_at, started_at, completed_at`

func scanSyncJob(row pgx.Row) (*models.SyncJob, error) {
	var j models.SyncJob
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.Priority, &j.Options, &j.Attempts,
		&j.Progress, &j.Result, &j.RateLimit, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_jobs (id, user_id, status, priority, options, attempts, progress, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, job.Status, job.Priority, job.Options, job.Attempts, job.Progress, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create sync job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncJob(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	job, err := scanSyncJob(s.pool.QueryRow(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return job, nil
}

// GetActiveSyncJob returns the user's pending or running job, if any. At most
// one exists at a time; the scheduler's admission check enforces that.
func (s *PostgresStore) GetActiveSyncJob(ctx context.Context, userID uuid.UUID) (*models.SyncJob, error) {
	job, err := scanSyncJob(s.pool.QueryRow(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs
		 WHERE user_id = $1 AND status IN ('pending', 'running')
		 ORDER BY created_at DESC LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active sync job: %w", err)
	}
	return job, nil
}

var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

func (s *PostgresStore) UpdateSyncJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := ApplyJobUpdate(opts...)

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sync_jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get sync job status: %w", err)
	}

	if status != currentStatus {
		valid := false
		for _, a := range validTransitions[currentStatus] {
			if a == status {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid job status transition: %s -> %s", currentStatus, status)
		}
	}

	now := time.Now().UTC()
	query := `UPDATE sync_jobs SET status = $2`
	args := []any{id, status}
	argIdx := 3

	if status == models.JobStatusRunning && currentStatus != models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.TerminalStatus(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.Progress != nil {
		query += fmt.Sprintf(", progress = $%d", argIdx)
		args = append(args, *params.Progress)
		argIdx++
	}
	if params.Result != nil {
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, *params.Result)
		argIdx++
	}
	if params.RateLimit != nil {
		query += fmt.Sprintf(", rate_limit = $%d", argIdx)
		args = append(args, *params.RateLimit)
		argIdx++
	}
	if params.Error != nil {
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *params.Error)
		argIdx++
	}
	if params.Attempts != nil {
		query += fmt.Sprintf(", attempts = $%d", argIdx)
		args = append(args, *params.Attempts)
		argIdx++
	}

	query += " WHERE id = $1"

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update sync job status: %w", err)
	}
	return nil
}

// UpdateSyncJobProgress persists a progress snapshot without touching status.
func (s *PostgresStore) UpdateSyncJobProgress(ctx context.Context, id uuid.UUID, progress models.JobProgress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET progress = $2 WHERE id = $1`, id, progress)
	if err != nil {
		return fmt.Errorf("update sync job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSyncJobs(ctx context.Context, filter JobFilter) ([]*models.SyncJob, int, error) {
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sync_jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sync jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(
		`SELECT %s FROM sync_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		syncJobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) SyncJobStats(ctx context.Context, userID uuid.UUID) (*models.JobStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM sync_jobs WHERE user_id = $1 GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("sync job stats: %w", err)
	}
	defer rows.Close()

	var stats models.JobStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan sync job stats: %w", err)
		}
		switch status {
		case models.JobStatusPending:
			stats.Waiting = count
		case models.JobStatusRunning:
			stats.Active = count
		case models.JobStatusCompleted:
			stats.Completed = count
		case models.JobStatusFailed:
			stats.Failed = count
		case models.JobStatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	return &stats, rows.Err()
}

// FailInterruptedJobs marks jobs left pending or running by a previous process
// as failed. Called once at startup, before the scheduler accepts work.
func (s *PostgresStore) FailInterruptedJobs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs
		 SET status = 'failed',
		     error = $1,
		     completed_at = NOW()
		 WHERE status IN ('pending', 'running')`,
		models.JobError{Code: "INTERRUPTED", Message: "job interrupted by server restart"})
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Bookmarks ---

// UpsertBookmarks writes one batch keyed by (user_id, tweet_id). Existing rows
// are rewritten only when the content hash changed, so the returned counts
// reflect real inserts and real edits; untouched rows count as neither.
func (s *PostgresStore) UpsertBookmarks(ctx context.Context, bookmarks []*models.Bookmark) (int, int, error) {
	if len(bookmarks) == 0 {
		return 0, 0, nil
	}

	const upsert = `
		INSERT INTO bookmarks (id, user_id, tweet_id, text, author_id, author_username, author_name,
		                       media_urls, urls, hashtags, mentions, tweeted_at, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (user_id, tweet_id) DO UPDATE SET
		  text = EXCLUDED.text,
		  author_id = EXCLUDED.author_id,
		  author_username = EXCLUDED.author_username,
		  author_name = EXCLUDED.author_name,
		  media_urls = EXCLUDED.media_urls,
		  urls = EXCLUDED.urls,
		  hashtags = EXCLUDED.hashtags,
		  mentions = EXCLUDED.mentions,
		  tweeted_at = EXCLUDED.tweeted_at,
		  content_hash = EXCLUDED.content_hash,
		  updated_at = NOW()
		WHERE bookmarks.content_hash IS DISTINCT FROM EXCLUDED.content_hash
		RETURNING (xmax = 0) AS inserted`

	batch := &pgx.Batch{}
	for _, b := range bookmarks {
		batch.Queue(upsert, b.ID, b.UserID, b.TweetID, b.Text, b.AuthorID, b.AuthorUsername,
			b.AuthorName, b.MediaURLs, b.URLs, b.Hashtags, b.Mentions, b.TweetedAt, b.ContentHash)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted, updated int
	for range bookmarks {
		var wasInsert bool
		err := br.QueryRow().Scan(&wasInsert)
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict with identical content: nothing written.
			continue
		}
		if err != nil {
			return inserted, updated, fmt.Errorf("upsert bookmark: %w", err)
		}
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

func (s *PostgresStore) CountBookmarks(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bookmarks WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count bookmarks: %w", err)
	}
	return count, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
