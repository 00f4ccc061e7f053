package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/PortNumber53/subcatalog/backend/internal/billing"
	"github.com/PortNumber53/subcatalog/backend/internal/gateway"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const maxWebhookBody = 64 << 10

// WebhookProcessor applies a decoded gateway notification.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, n gateway.Notification) (billing.WebhookOutcome, error)
}

// PaymentWebhook receives gateway notifications. When verify is non-nil the
// request must pass it, otherwise it is rejected with 401.
func PaymentWebhook(proc WebhookProcessor, verify func(*http.Request) bool, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if verify != nil && !verify(r) {
			log.Warn("webhook rejected: bad credentials", slog.String("remote", r.RemoteAddr))
			writeError(w, log, fmt.Errorf("webhook authentication failed: %w", models.ErrInvalidCredential))
			return
		}

		n, err := gateway.DecodeNotification(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, log, err)
			return
		}

		outcome, err := proc.HandleWebhook(r.Context(), *n)
		if err != nil {
			log.Warn("webhook not applied",
				slog.String("tracking_id", n.TrackingID),
				slog.String("status", n.Status),
				logger.Error(err),
			)
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
	}
}
