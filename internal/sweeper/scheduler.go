package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/PortNumber53/subcatalog/backend/internal/logger"
)

// Runner is one reconciliation pass.
type Runner interface {
	RunOnce(ctx context.Context) (Report, error)
}

// Scheduler runs registered passes on fixed intervals. Overlapping ticks of
// the same pass are skipped, and with a Locker only the replica holding the
// lease runs a given tick.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	lease  time.Duration
	logger *slog.Logger

	mu   sync.RWMutex
	base context.Context
}

// NewScheduler builds a Scheduler. locker may be nil.
func NewScheduler(locker Locker, lease time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Component("scheduler"))
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker: locker,
		lease:  lease,
		logger: log,
		base:   context.Background(),
	}
}

// Add registers r to run every interval under name.
func (s *Scheduler) Add(name string, interval time.Duration, r Runner) error {
	if interval <= 0 {
		return fmt.Errorf("sweeper: task %s: interval must be positive", name)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.runTask(name, r) }); err != nil {
		return fmt.Errorf("sweeper: schedule %s: %w", name, err)
	}
	s.logger.Info("task scheduled", slog.String("task", name), slog.String("every", interval.String()))
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runTask(name string, r Runner) {
	s.mu.RLock()
	ctx := s.base
	s.mu.RUnlock()
	if ctx.Err() != nil {
		return
	}

	if s.locker != nil {
		lease, ok, err := s.locker.TryLock(ctx, "sweeper:"+name, s.lease)
		if err != nil {
			s.logger.Error("acquire task lease", slog.String("task", name), logger.Error(err))
			return
		}
		if !ok {
			s.logger.Debug("task lease held elsewhere", slog.String("task", name))
			return
		}
		defer lease.Release()

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		done := make(chan struct{})
		defer close(done)
		go s.keepLease(ctx, name, lease, cancel, done)
	}

	start := time.Now()
	rep, err := r.RunOnce(ctx)
	if err != nil {
		s.logger.Error("task failed", slog.String("task", name), logger.Error(err), logger.Duration(time.Since(start)))
		return
	}
	s.logger.Debug("task finished",
		slog.String("task", name),
		slog.Int("scanned", rep.Scanned),
		slog.Int("errors", rep.Errors),
		logger.Duration(time.Since(start)),
	)
}

// keepLease extends the lease at a third of its ttl while the task runs. If
// the lease is lost the task's context is cancelled so another replica does
// not sweep the same rows concurrently.
func (s *Scheduler) keepLease(ctx context.Context, name string, lease Lease, cancel context.CancelFunc, done <-chan struct{}) {
	if s.lease <= 0 {
		return
	}
	ticker := time.NewTicker(s.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := lease.Extend(ctx, s.lease)
			if err != nil {
				s.logger.Warn("extend task lease", slog.String("task", name), logger.Error(err))
				continue
			}
			if !ok {
				s.logger.Warn("task lease lost, stopping run", slog.String("task", name))
				cancel()
				return
			}
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{logger.Error(err)}, keysAndValues...)...)
}
