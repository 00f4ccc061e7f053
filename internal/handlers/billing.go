package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/auth"
	"github.com/PortNumber53/subcatalog/backend/internal/billing"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// SubscriptionService is the part of billing.Manager exposed over HTTP.
type SubscriptionService interface {
	Subscribe(ctx context.Context, userID, planID uuid.UUID, email string) (*billing.SubscribeResult, error)
	Cancel(ctx context.Context, userID, planID uuid.UUID) (time.Time, error)
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error)
	ListPayments(ctx context.Context, userID uuid.UUID) ([]models.Payment, error)
}

// BillingHandler serves the authenticated subscription endpoints.
type BillingHandler struct {
	svc    SubscriptionService
	logger *slog.Logger
}

func NewBillingHandler(svc SubscriptionService, log *slog.Logger) *BillingHandler {
	return &BillingHandler{svc: svc, logger: log}
}

// RegisterRoutes mounts the endpoints on router, which must already
// authenticate requests.
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/subscriptions", h.ListSubscriptions())
	router.Post("/api/subscriptions/{planID}", h.Subscribe())
	router.Post("/api/subscriptions/{planID}/cancel", h.Cancel())
	router.Get("/api/payments", h.ListPayments())
}

func (h *BillingHandler) Subscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, userID, ok := h.caller(w, r)
		if !ok {
			return
		}
		planID, err := planParam(r)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		res, err := h.svc.Subscribe(r.Context(), userID, planID, claims.Email)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		status := http.StatusCreated
		if res.Checkout != nil {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

func (h *BillingHandler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, userID, ok := h.caller(w, r)
		if !ok {
			return
		}
		planID, err := planParam(r)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		validUntil, err := h.svc.Cancel(r.Context(), userID, planID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid_until": validUntil})
	}
}

func (h *BillingHandler) ListSubscriptions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, userID, ok := h.caller(w, r)
		if !ok {
			return
		}
		subs, err := h.svc.ListSubscriptions(r.Context(), userID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if subs == nil {
			subs = []models.UserSubscription{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
	}
}

func (h *BillingHandler) ListPayments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, userID, ok := h.caller(w, r)
		if !ok {
			return
		}
		payments, err := h.svc.ListPayments(r.Context(), userID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if payments == nil {
			payments = []models.Payment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

func (h *BillingHandler) caller(w http.ResponseWriter, r *http.Request) (*auth.Claims, uuid.UUID, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, fmt.Errorf("missing access token: %w", models.ErrInvalidCredential))
		return nil, uuid.Nil, false
	}
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, h.logger, fmt.Errorf("malformed subject: %w", models.ErrInvalidCredential))
		return nil, uuid.Nil, false
	}
	return claims, userID, true
}

func planParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "planID"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("plan id must be a UUID: %w", models.ErrValidation)
	}
	return id, nil
}
