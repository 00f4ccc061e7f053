package memstore

import (
	"context"
	"time"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// ClaimNextJob claims the oldest runnable pending job, or returns nil.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	var out *models.Job
	err := s.locked(func(d *data) error {
		now := s.clock.Now()
		for i := range d.jobs {
			j := &d.jobs[i]
			if j.Status != models.JobStatusPending || (j.RetryAfter != nil && j.RetryAfter.After(now)) {
				continue
			}
			id := workerID
			processedAt := now
			j.Status = models.JobStatusProcessing
			j.WorkerID = &id
			j.ProcessedAt = &processedAt
			j.UpdatedAt = now
			j.Attempts++
			claimed := *j
			out = &claimed
			return nil
		}
		return nil
	})
	return out, err
}

func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	return s.updateJob(id, func(j *models.Job, now time.Time) {
		j.Status = models.JobStatusCompleted
		j.CompletedAt = &now
		j.WorkerID = nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	return s.updateJob(id, func(j *models.Job, now time.Time) {
		j.Status = models.JobStatusFailed
		j.LastError = &errorMsg
		j.WorkerID = nil
	})
}

func (s *Store) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	return s.updateJob(id, func(j *models.Job, now time.Time) {
		j.Status = models.JobStatusPending
		j.LastError = &errorMsg
		j.RetryAfter = &retryAfter
		j.WorkerID = nil
	})
}

func (s *Store) ReleaseJob(ctx context.Context, id int64) error {
	return s.updateJob(id, func(j *models.Job, now time.Time) {
		j.Status = models.JobStatusPending
		j.WorkerID = nil
		if j.Attempts > 0 {
			j.Attempts--
		}
	})
}

func (s *Store) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.locked(func(d *data) error {
		for _, j := range d.jobs {
			switch j.Status {
			case models.JobStatusPending:
				stats.Pending++
			case models.JobStatusProcessing:
				stats.Processing++
			case models.JobStatusCompleted:
				stats.Completed++
			case models.JobStatusFailed:
				stats.Failed++
			case models.JobStatusCancelled:
				stats.Cancelled++
			}
			stats.Total++
		}
		return nil
	})
	return stats, err
}

// CleanupOldJobs drops finished jobs last updated before now - olderThan.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	var removed int64
	err := s.locked(func(d *data) error {
		cutoff := s.clock.Now().Add(-olderThan)
		kept := d.jobs[:0]
		for _, j := range d.jobs {
			finished := j.Status == models.JobStatusCompleted || j.Status == models.JobStatusFailed || j.Status == models.JobStatusCancelled
			if finished && j.UpdatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, j)
		}
		d.jobs = kept
		return nil
	})
	return removed, err
}

// updateJob mutates a claimed job; settled or released jobs are left alone.
func (s *Store) updateJob(id int64, fn func(j *models.Job, now time.Time)) error {
	return s.locked(func(d *data) error {
		for i := range d.jobs {
			if d.jobs[i].ID == id && d.jobs[i].Status == models.JobStatusProcessing {
				now := s.clock.Now()
				fn(&d.jobs[i], now)
				d.jobs[i].UpdatedAt = now
				return nil
			}
		}
		return nil
	})
}
