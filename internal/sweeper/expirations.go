package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// SubscriptionLister returns active rows whose billing date or paid period has elapsed.
type SubscriptionLister interface {
	ListDueUserSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error)
}

// Lifecycle is the part of billing.Manager the expiration pass drives.
type Lifecycle interface {
	RollForward(ctx context.Context, sub models.UserSubscription) (bool, error)
	Expire(ctx context.Context, sub models.UserSubscription) (bool, error)
}

// Expirations expires cancelled subscriptions at the end of their paid
// period and rolls uncancelled ones into the next period.
type Expirations struct {
	subs      SubscriptionLister
	lifecycle Lifecycle
	clock     clock.Clock
	logger    *slog.Logger
	batch     int
}

func NewExpirations(subs SubscriptionLister, lifecycle Lifecycle, clk clock.Clock, log *slog.Logger, batch int) *Expirations {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Expirations{
		subs:      subs,
		lifecycle: lifecycle,
		clock:     clk,
		logger:    log.With(logger.Component("expirations")),
		batch:     batch,
	}
}

func (e *Expirations) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	due, err := e.subs.ListDueUserSubscriptions(ctx, e.clock.Now(), e.batch)
	if err != nil {
		return rep, fmt.Errorf("sweeper: list due subscriptions: %w", err)
	}

	for _, sub := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++

		var (
			changed bool
			err     error
		)
		if sub.IsCancelled() {
			changed, err = e.lifecycle.Expire(ctx, sub)
		} else {
			changed, err = e.lifecycle.RollForward(ctx, sub)
		}
		switch {
		case err != nil:
			rep.Errors++
			e.logger.Error("process due subscription",
				logger.SubscriptionID(sub.ID),
				slog.Bool("cancelled", sub.IsCancelled()),
				logger.Error(err),
			)
		case changed:
			rep.Resolved++
		default:
			rep.Skipped++
		}
	}

	if rep.Scanned > 0 {
		e.logger.Info("expiration sweep finished",
			slog.Int("scanned", rep.Scanned),
			slog.Int("processed", rep.Resolved),
			slog.Int("errors", rep.Errors),
		)
	}
	return rep, nil
}
