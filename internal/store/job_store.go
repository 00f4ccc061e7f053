package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// JobStore provides database operations for the notification outbox.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

const jobColumns = `id, job_type, payload, status, attempts, max_attempts,
		          created_at, updated_at, last_error, retry_after,
		          processed_at, completed_at, worker_id`

// EnqueueJob writes a notification job. Inside InTx it commits or rolls back
// with the state change it describes.
func (q *queries) EnqueueJob(ctx context.Context, job *models.Job) error {
	return enqueueJob(ctx, q.db, job)
}

// Enqueue creates a new job in the queue outside any billing transaction.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	return enqueueJob(ctx, s.db, job)
}

func enqueueJob(ctx context.Context, db dbtx, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	query := `
		INSERT INTO jobs (job_type, payload, status, max_attempts)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := db.QueryRowContext(ctx, query,
		job.JobType,
		job.Payload,
		status,
		job.MaxAttempts,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	job.Status = status
	return nil
}

// ClaimNextJob atomically claims the next available job for processing
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $1,
		    processed_at = NOW(),
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No jobs available
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// settleJob applies set to a job this process still holds. Jobs that were
// released or already settled elsewhere are left untouched; the returned
// bool reports whether the row changed.
func (s *JobStore) settleJob(ctx context.Context, op string, id int64, set string, args ...any) (bool, error) {
	query := `UPDATE jobs SET ` + set + `, worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return false, fmt.Errorf("store: %s job %d: %w", op, id, err)
	}
	return affectedOne(res)
}

// MarkCompleted records a delivered notification.
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.settleJob(ctx, "complete", id, `status = 'completed', completed_at = NOW()`)
	return err
}

// MarkFailed gives up on a notification after its last attempt.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.settleJob(ctx, "fail", id, `status = 'failed', last_error = $2`, errorMsg)
	return err
}

// ScheduleRetry puts a job back to pending until retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.settleJob(ctx, "retry", id, `status = 'pending', last_error = $2, retry_after = $3`, errorMsg, retryAfter)
	return err
}

// ReleaseJob hands an in-flight job back to the queue on shutdown without
// consuming a retry.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.settleJob(ctx, "release", id, `status = 'pending', attempts = GREATEST(attempts - 1, 0)`)
	return err
}

// GetStats returns statistics about the job queue
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') as pending,
			COUNT(*) FILTER (WHERE status = 'processing') as processing,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled,
			COUNT(*) as total
		FROM jobs
	`

	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}

	return stats, nil
}

// CleanupOldJobs deletes settled notifications last touched before the
// retention window. Pending and in-flight rows are never removed.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < NOW() - make_interval(secs => $1)
	`

	result, err := s.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup jobs: %w", err)
	}
	return result.RowsAffected()
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}
