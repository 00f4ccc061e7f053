// Package billing owns the subscription lifecycle: period arithmetic, subscribe
// and cancel, activation on payment, roll-forward and expiry, and single
// resolution of payments reported by the gateway or found by the sweepers.
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/gateway"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// Queries is the persistence contract billing relies on. Conditional updates
// report whether a row matched so callers can tell a lost race from an error.
type Queries interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)

	HasActiveSubscription(ctx context.Context, userID, planID uuid.UUID) (bool, error)
	CreateUserSubscription(ctx context.Context, sub *models.UserSubscription) error
	GetUserSubscription(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error)
	ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error)
	// CancelUserSubscription marks the active, uncancelled row for the pair as
	// cancelled with ValidUntil set to its NextBillingDate. Returns ErrNotFound
	// when no such row exists.
	CancelUserSubscription(ctx context.Context, userID, planID uuid.UUID, at time.Time) (*models.UserSubscription, error)
	// ActivateUserSubscription flips an inactive, never-expired row to active
	// unless another active row exists for the same user and plan.
	ActivateUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// AdvanceBillingDate moves NextBillingDate from -> to only if it still equals from.
	AdvanceBillingDate(ctx context.Context, id uuid.UUID, from, to time.Time) (bool, error)
	// ExpireUserSubscription deactivates a cancelled row whose ValidUntil has passed.
	ExpireUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListDueUserSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ListPaymentsByUser(ctx context.Context, userID uuid.UUID) ([]models.Payment, error)
	// TransitionPayment moves a pending payment to a terminal status. The bool is
	// false when the payment was no longer pending.
	TransitionPayment(ctx context.Context, t models.PaymentTransition) (*models.Payment, bool, error)
	ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error)
	// MarkPaymentChecked records that the gateway was asked about a still
	// pending payment at the given instant.
	MarkPaymentChecked(ctx context.Context, id uuid.UUID, at time.Time) error
	// PendingCheckout returns the newest pending payment for userID's purchase
	// of planID created after since, or nil. Inside InTx it also serialises
	// concurrent purchases of the same pair until commit.
	PendingCheckout(ctx context.Context, userID, planID uuid.UUID, since time.Time) (*models.Payment, error)

	EnqueueJob(ctx context.Context, job *models.Job) error
}

// Repository adds transactions to Queries. fn runs against a transaction-scoped
// Queries; returning an error rolls everything back.
type Repository interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}

// Gateway is the slice of the payment gateway billing talks to.
type Gateway interface {
	InitiateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error)
	QueryStatus(ctx context.Context, trackingID string) (models.PaymentStatus, bool)
}
