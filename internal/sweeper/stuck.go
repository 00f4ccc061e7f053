// Package sweeper holds the periodic reconciliation passes: stuck pending
// payments, elapsed subscriptions and outbox retention, plus the cron
// scheduler that drives them.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/billing"
	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const defaultBatchSize = 100

// Report summarises one pass.
type Report struct {
	Scanned  int `json:"scanned"`
	Resolved int `json:"resolved"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// PaymentLister returns pending payments created before a cutoff, least
// recently checked first, and records each unanswered check.
type PaymentLister interface {
	ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error)
	MarkPaymentChecked(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Resolver applies a terminal payment outcome exactly once.
type Resolver interface {
	Resolve(ctx context.Context, r billing.Resolution) (bool, error)
}

// StuckPayments asks the gateway about payments whose webhook never arrived.
type StuckPayments struct {
	payments  PaymentLister
	gateway   billing.Gateway
	resolver  Resolver
	clock     clock.Clock
	logger    *slog.Logger
	threshold time.Duration
	batch     int
}

func NewStuckPayments(payments PaymentLister, gw billing.Gateway, resolver Resolver, clk clock.Clock, log *slog.Logger, threshold time.Duration, batch int) *StuckPayments {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &StuckPayments{
		payments:  payments,
		gateway:   gw,
		resolver:  resolver,
		clock:     clk,
		logger:    log.With(logger.Component("stuck_payments")),
		threshold: threshold,
		batch:     batch,
	}
}

// RunOnce reconciles one batch. Per-payment failures are logged and counted;
// only a failure to list candidates aborts the pass.
func (s *StuckPayments) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	cutoff := s.clock.Now().Add(-s.threshold)

	pending, err := s.payments.ListStalePendingPayments(ctx, cutoff, s.batch)
	if err != nil {
		return rep, fmt.Errorf("sweeper: list stale payments: %w", err)
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++

		status, ok := s.gateway.QueryStatus(ctx, p.ID.String())
		if !ok || !status.IsTerminal() {
			rep.Skipped++
			s.logger.Debug("payment outcome still unknown", logger.PaymentID(p.ID))
			s.markChecked(ctx, p.ID)
			continue
		}

		applied, err := s.resolver.Resolve(ctx, billing.Resolution{
			PaymentID: p.ID,
			Status:    status,
			Source:    billing.SourceSweeper,
		})
		if err != nil {
			rep.Errors++
			s.logger.Error("resolve stuck payment", logger.PaymentID(p.ID), logger.Error(err))
			s.markChecked(ctx, p.ID)
			continue
		}
		if applied {
			rep.Resolved++
		} else {
			rep.Skipped++
		}
	}

	if rep.Scanned > 0 {
		s.logger.Info("stuck payment sweep finished",
			slog.Int("scanned", rep.Scanned),
			slog.Int("resolved", rep.Resolved),
			slog.Int("errors", rep.Errors),
		)
	}
	return rep, nil
}

func (s *StuckPayments) markChecked(ctx context.Context, id uuid.UUID) {
	if err := s.payments.MarkPaymentChecked(ctx, id, s.clock.Now()); err != nil {
		s.logger.Warn("record payment check", logger.PaymentID(id), logger.Error(err))
	}
}
