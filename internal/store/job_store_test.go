package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

func newMockJobStore(t *testing.T) (*JobStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	s, err := NewJobStore(db)
	if err != nil {
		t.Fatalf("NewJobStore returned error: %v", err)
	}
	return s, mock
}

func TestNewJobStoreValidation(t *testing.T) {
	if _, err := NewJobStore(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestEnqueueJob(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	job := models.NewNotificationJob(models.JobPaymentCompleted, models.JSONB{"payment_id": "p-1"})
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO jobs (job_type, payload, status, max_attempts)`)).
		WithArgs(models.JobPaymentCompleted, sqlmock.AnyArg(), models.JobStatusPending, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))

	if err := s.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob returned error: %v", err)
	}
	if job.ID != 42 {
		t.Fatalf("expected id 42, got %d", job.ID)
	}
	expectationsMet(t, mock)
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	s, _ := newMockJobStore(t)
	if err := s.Enqueue(context.Background(), &models.Job{MaxAttempts: 1}); err == nil {
		t.Fatal("expected validation error for missing job type")
	}
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
	expectationsMet(t, mock)
}

func TestClaimNextJob(t *testing.T) {
	s, mock := newMockJobStore(t)
	now := time.Now()

	cols := []string{"id", "job_type", "payload", "status", "attempts", "max_attempts", "created_at", "updated_at", "last_error", "retry_after", "processed_at", "completed_at", "worker_id"}
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs("worker-1").WillReturnRows(
		sqlmock.NewRows(cols).AddRow(7, models.JobSubscriptionExpired, []byte(`{"user_id":"u-1"}`), "processing", 1, 5, now, now, nil, nil, now, nil, "worker-1"),
	)

	job, err := s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job.ID != 7 || job.Payload.String("user_id") != "u-1" || job.Status != models.JobStatusProcessing {
		t.Fatalf("unexpected job: %+v", job)
	}
	expectationsMet(t, mock)
}

func TestGetStats(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(`COUNT\(\*\) FILTER`).WillReturnRows(
		sqlmock.NewRows([]string{"pending", "processing", "completed", "failed", "cancelled", "total"}).AddRow(3, 1, 10, 2, 0, 16),
	)

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats returned error: %v", err)
	}
	if stats.Pending != 3 || stats.Total != 16 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	expectationsMet(t, mock)
}

func TestCleanupOldJobs(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectExec(`DELETE FROM jobs`).WithArgs(float64(3600)).WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.CleanupOldJobs(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldJobs returned error: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 deleted, got %d", n)
	}
	expectationsMet(t, mock)
}

func TestSettleJobOnlyTouchesClaimedRows(t *testing.T) {
	s, mock := newMockJobStore(t)
	retryAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'completed', completed_at = NOW(), worker_id = NULL`)).
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND status = 'processing'`)).
		WithArgs(int64(8), "timeout", retryAt).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`attempts = GREATEST(attempts - 1, 0)`)).
		WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := s.MarkCompleted(ctx, 7); err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}
	if err := s.ScheduleRetry(ctx, 8, "timeout", retryAt); err != nil {
		t.Fatalf("ScheduleRetry on a released job returned error: %v", err)
	}
	if err := s.ReleaseJob(ctx, 9); err != nil {
		t.Fatalf("ReleaseJob returned error: %v", err)
	}
	expectationsMet(t, mock)
}
