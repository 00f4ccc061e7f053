package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// Resolution sources, recorded in logs and notification payloads.
const (
	SourceWebhook = "webhook"
	SourceSweeper = "sweeper"
)

// Resolution is a terminal outcome for a pending payment.
type Resolution struct {
	PaymentID             uuid.UUID
	Status                models.PaymentStatus
	ExternalTransactionID string
	Card                  *models.Card
	Source                string
}

// Ledger resolves pending payments exactly once. The webhook receiver and the
// stuck-payment sweeper both go through Resolve.
type Ledger struct {
	repo   Repository
	clock  clock.Clock
	logger *slog.Logger
}

func NewLedger(repo Repository, clk clock.Clock, log *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{repo: repo, clock: clk, logger: log.With(logger.Component("ledger"))}
}

// Resolve moves the payment out of pending and applies the side effects of
// the new status in the same transaction. It returns false, with no side
// effects, when the payment had already been resolved.
func (l *Ledger) Resolve(ctx context.Context, r Resolution) (bool, error) {
	if !r.Status.IsTerminal() {
		return false, fmt.Errorf("ledger: resolve to %q: %w", r.Status, models.ErrValidation)
	}

	var (
		applied   bool
		activated bool
		payment   *models.Payment
	)
	err := l.repo.InTx(ctx, func(q Queries) error {
		now := l.clock.Now()
		p, ok, err := q.TransitionPayment(ctx, models.PaymentTransition{
			PaymentID:             r.PaymentID,
			Status:                r.Status,
			ExternalTransactionID: r.ExternalTransactionID,
			Card:                  r.Card,
			At:                    now,
		})
		if err != nil {
			return fmt.Errorf("transition payment: %w", err)
		}
		if !ok {
			return nil
		}
		applied = true
		payment = p

		jobType := models.JobPaymentFailed
		if r.Status == models.PaymentCompleted {
			jobType = models.JobPaymentCompleted
			if activated, err = activate(ctx, q, p, now); err != nil {
				return err
			}
		}
		return q.EnqueueJob(ctx, paymentJob(jobType, p, r.Source))
	})
	if err != nil {
		return false, fmt.Errorf("ledger: resolve payment %s: %w", r.PaymentID, err)
	}

	if !applied {
		l.logger.Info("payment already resolved", logger.PaymentID(r.PaymentID), slog.String("source", r.Source))
		return false, nil
	}

	attrs := []any{
		logger.PaymentID(payment.ID),
		logger.SubscriptionID(payment.UserSubscriptionID),
		slog.String("status", string(payment.Status)),
		slog.String("source", r.Source),
	}
	if r.Status == models.PaymentCompleted && !activated {
		l.logger.Warn("payment completed but subscription not activated", attrs...)
	} else {
		l.logger.Info("payment resolved", append(attrs, slog.Bool("activated", activated))...)
	}
	return true, nil
}

func paymentJob(jobType string, p *models.Payment, source string) *models.Job {
	return models.NewNotificationJob(jobType, models.JSONB{
		"payment_id":           p.ID.String(),
		"user_id":              p.UserID.String(),
		"user_subscription_id": p.UserSubscriptionID.String(),
		"amount":               p.Amount.StringFixed(2),
		"currency":             p.Currency,
		"status":               string(p.Status),
		"source":               source,
	})
}
