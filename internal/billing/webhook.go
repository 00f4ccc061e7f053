package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/gateway"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// WebhookOutcome reports what a notification did.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// HandleWebhook applies a processor notification to the payment it tracks.
// A malformed tracking id wraps ErrValidation and an unknown payment wraps
// ErrNotFound. Intermediate statuses, unrecognised statuses and amount
// mismatches change nothing; the stuck-payment sweeper re-checks those later.
func (l *Ledger) HandleWebhook(ctx context.Context, n gateway.Notification) (WebhookOutcome, error) {
	paymentID, err := uuid.Parse(n.TrackingID)
	if err != nil {
		return "", fmt.Errorf("ledger: tracking id %q: %w", n.TrackingID, models.ErrValidation)
	}

	payment, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("ledger: load payment: %w", err)
	}

	log := l.logger.With(
		logger.PaymentID(paymentID),
		slog.String("transaction_id", n.TransactionID),
		slog.String("gateway_status", n.Status),
	)

	status, ok := gateway.MapStatus(n.Status)
	if !ok || !status.IsTerminal() {
		log.Info("non-terminal webhook status, no change")
		return WebhookIgnored, nil
	}

	if n.Amount != 0 && n.Amount != gateway.MinorUnits(payment.Amount) {
		log.Warn("webhook amount does not match payment, ignoring",
			slog.Int64("webhook_amount", n.Amount),
			slog.Int64("payment_amount", gateway.MinorUnits(payment.Amount)),
		)
		return WebhookIgnored, nil
	}

	if payment.Status.IsTerminal() {
		log.Info("duplicate webhook for resolved payment", slog.String("status", string(payment.Status)))
		return WebhookDuplicate, nil
	}

	applied, err := l.Resolve(ctx, Resolution{
		PaymentID:             paymentID,
		Status:                status,
		ExternalTransactionID: n.TransactionID,
		Card:                  n.Card,
		Source:                SourceWebhook,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return WebhookDuplicate, nil
	}
	return WebhookApplied, nil
}
