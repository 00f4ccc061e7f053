package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PortNumber53/subcatalog/backend/internal/logger"
)

// JobPruner deletes finished outbox rows older than a retention window.
type JobPruner interface {
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JobCleanup keeps the notification outbox from growing without bound.
type JobCleanup struct {
	jobs      JobPruner
	retention time.Duration
	logger    *slog.Logger
}

func NewJobCleanup(jobs JobPruner, retention time.Duration, log *slog.Logger) *JobCleanup {
	if log == nil {
		log = slog.Default()
	}
	return &JobCleanup{jobs: jobs, retention: retention, logger: log.With(logger.Component("job_cleanup"))}
}

func (c *JobCleanup) RunOnce(ctx context.Context) (Report, error) {
	n, err := c.jobs.CleanupOldJobs(ctx, c.retention)
	if err != nil {
		return Report{}, fmt.Errorf("sweeper: cleanup jobs: %w", err)
	}
	if n > 0 {
		c.logger.Info("pruned finished jobs", slog.Int64("deleted", n), logger.Duration(c.retention))
	}
	return Report{Scanned: int(n), Resolved: int(n)}, nil
}
