package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/gateway"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const defaultCheckoutWindow = time.Hour

// ManagerConfig tunes checkout creation.
type ManagerConfig struct {
	// CheckoutExpiry bounds how long a hosted checkout stays payable. Zero disables it.
	CheckoutExpiry time.Duration
	// DefaultCurrency is used when a plan carries no currency.
	DefaultCurrency string
}

// Manager drives a user's subscription through subscribe, activation,
// cancellation, roll-forward and expiry.
type Manager struct {
	repo    Repository
	gateway Gateway
	clock   clock.Clock
	logger  *slog.Logger
	cfg     ManagerConfig
}

// SubscribeResult is what a purchase produced. Checkout and Payment are nil
// for free plans.
type SubscribeResult struct {
	Subscription *models.UserSubscription `json:"subscription"`
	Payment      *models.Payment          `json:"payment,omitempty"`
	Checkout     *gateway.Checkout        `json:"checkout,omitempty"`
}

// NewManager wires a Manager. gw may be nil when only free plans are sold.
func NewManager(repo Repository, gw Gateway, clk clock.Clock, log *slog.Logger, cfg ManagerConfig) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		repo:    repo,
		gateway: gw,
		clock:   clk,
		logger:  log.With(logger.Component("billing")),
		cfg:     cfg,
	}
}

// Subscribe starts a subscription of userID to planID. Free plans are active
// immediately. Priced plans create an inactive row plus a pending payment and
// open a gateway checkout; the row activates once the payment completes.
func (m *Manager) Subscribe(ctx context.Context, userID, planID uuid.UUID, email string) (*SubscribeResult, error) {
	plan, err := m.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("billing: load plan: %w", err)
	}
	if !plan.IsActive {
		return nil, fmt.Errorf("billing: plan %s is not active: %w", planID, models.ErrValidation)
	}

	active, err := m.repo.HasActiveSubscription(ctx, userID, planID)
	if err != nil {
		return nil, fmt.Errorf("billing: check active subscription: %w", err)
	}
	if active {
		return nil, fmt.Errorf("billing: already subscribed to plan %s: %w", planID, models.ErrConflict)
	}

	now := m.clock.Now()
	sub := &models.UserSubscription{
		ID:              uuid.New(),
		UserID:          userID,
		SubscriptionID:  planID,
		StartDate:       now,
		NextBillingDate: NextBillingDate(plan.Period, now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if plan.IsFree() {
		sub.IsActive = true
		if err := m.repo.CreateUserSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("billing: create subscription: %w", err)
		}
		m.logger.Info("free subscription activated", logger.UserID(userID), logger.SubscriptionID(sub.ID))
		return &SubscribeResult{Subscription: sub}, nil
	}

	if m.gateway == nil {
		return nil, fmt.Errorf("billing: payment gateway not configured: %w", models.ErrGatewayRejected)
	}

	currency := plan.Currency
	if currency == "" {
		currency = m.cfg.DefaultCurrency
	}
	payment := &models.Payment{
		ID:                 uuid.New(),
		UserSubscriptionID: sub.ID,
		UserID:             userID,
		Amount:             plan.Price,
		Currency:           currency,
		PaymentDate:        now,
		PeriodStart:        now,
		PeriodEnd:          sub.NextBillingDate,
		Status:             models.PaymentPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = m.repo.InTx(ctx, func(q Queries) error {
		open, err := q.PendingCheckout(ctx, userID, planID, now.Add(-m.checkoutWindow()))
		if err != nil {
			return fmt.Errorf("check pending checkout: %w", err)
		}
		if open != nil {
			return fmt.Errorf("checkout %s for plan %s still open: %w", open.ID, planID, models.ErrConflict)
		}
		if err := q.CreateUserSubscription(ctx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if err := q.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("billing: subscribe: %w", err)
	}

	req := gateway.CheckoutRequest{
		Amount:        plan.Price,
		Currency:      currency,
		Description:   plan.Name,
		TrackingID:    payment.ID.String(),
		CustomerEmail: email,
	}
	if m.cfg.CheckoutExpiry > 0 {
		expiry := now.Add(m.cfg.CheckoutExpiry)
		req.ExpiresAt = &expiry
	}

	checkout, err := m.gateway.InitiateCheckout(ctx, req)
	if err != nil {
		m.abandonPayment(ctx, payment.ID)
		return nil, fmt.Errorf("billing: initiate checkout: %w", err)
	}

	m.logger.Info("checkout initiated",
		logger.UserID(userID),
		logger.SubscriptionID(sub.ID),
		logger.PaymentID(payment.ID),
	)
	return &SubscribeResult{Subscription: sub, Payment: payment, Checkout: checkout}, nil
}

// checkoutWindow is how long a pending payment blocks another purchase of
// the same plan by the same user.
func (m *Manager) checkoutWindow() time.Duration {
	if m.cfg.CheckoutExpiry > 0 {
		return m.cfg.CheckoutExpiry
	}
	return defaultCheckoutWindow
}

// abandonPayment fails a payment whose checkout never opened so the sweeper
// does not keep polling for it.
func (m *Manager) abandonPayment(ctx context.Context, paymentID uuid.UUID) {
	_, ok, err := m.repo.TransitionPayment(ctx, models.PaymentTransition{
		PaymentID: paymentID,
		Status:    models.PaymentFailed,
		At:        m.clock.Now(),
	})
	if err != nil {
		m.logger.Error("fail abandoned payment", logger.PaymentID(paymentID), logger.Error(err))
		return
	}
	if !ok {
		m.logger.Warn("abandoned payment already resolved", logger.PaymentID(paymentID))
	}
}

// Cancel stops renewal of the user's active subscription to planID. Access
// continues until the returned instant.
func (m *Manager) Cancel(ctx context.Context, userID, planID uuid.UUID) (time.Time, error) {
	var cancelled *models.UserSubscription
	err := m.repo.InTx(ctx, func(q Queries) error {
		sub, err := q.CancelUserSubscription(ctx, userID, planID, m.clock.Now())
		if err != nil {
			return err
		}
		cancelled = sub
		return q.EnqueueJob(ctx, subscriptionJob(models.JobSubscriptionCancelled, sub))
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("billing: cancel subscription: %w", err)
	}

	validUntil := cancelled.NextBillingDate
	if cancelled.ValidUntil != nil {
		validUntil = *cancelled.ValidUntil
	}
	m.logger.Info("subscription cancelled",
		logger.UserID(userID),
		logger.SubscriptionID(cancelled.ID),
		slog.Time("valid_until", validUntil),
	)
	return validUntil, nil
}

// ActivateOnPaymentSuccess activates the subscription paid for by p. It reports
// false when the row was already active, expired, or another active row exists.
func (m *Manager) ActivateOnPaymentSuccess(ctx context.Context, p *models.Payment) (bool, error) {
	return activate(ctx, m.repo, p, m.clock.Now())
}

func activate(ctx context.Context, q Queries, p *models.Payment, at time.Time) (bool, error) {
	ok, err := q.ActivateUserSubscription(ctx, p.UserSubscriptionID, at)
	if err != nil {
		return false, fmt.Errorf("activate subscription %s: %w", p.UserSubscriptionID, err)
	}
	return ok, nil
}

// RollForward advances an uncancelled subscription past its elapsed billing
// date. No charge is attempted; the row keeps access for the new period.
func (m *Manager) RollForward(ctx context.Context, sub models.UserSubscription) (bool, error) {
	period := models.PeriodMonthly
	plan, err := m.repo.GetPlan(ctx, sub.SubscriptionID)
	switch {
	case err == nil:
		period = plan.Period
	case errors.Is(err, models.ErrNotFound):
		m.logger.Warn("plan missing for rollover, billing monthly", logger.SubscriptionID(sub.ID))
	default:
		return false, fmt.Errorf("billing: load plan for rollover: %w", err)
	}

	now := m.clock.Now()
	next := RollForwardFrom(sub.NextBillingDate, period, now)

	ok, err := m.repo.AdvanceBillingDate(ctx, sub.ID, sub.NextBillingDate, next)
	if err != nil {
		return false, fmt.Errorf("billing: advance billing date: %w", err)
	}
	if ok {
		m.logger.Warn("subscription rolled forward without charge",
			logger.UserID(sub.UserID),
			logger.SubscriptionID(sub.ID),
			slog.Time("from", sub.NextBillingDate),
			slog.Time("to", next),
		)
	}
	return ok, nil
}

// Expire deactivates a cancelled subscription whose paid period is over.
func (m *Manager) Expire(ctx context.Context, sub models.UserSubscription) (bool, error) {
	now := m.clock.Now()
	var expired bool
	err := m.repo.InTx(ctx, func(q Queries) error {
		ok, err := q.ExpireUserSubscription(ctx, sub.ID, now)
		if err != nil || !ok {
			return err
		}
		expired = true
		sub.IsActive = false
		sub.ExpiredAt = &now
		return q.EnqueueJob(ctx, subscriptionJob(models.JobSubscriptionExpired, &sub))
	})
	if err != nil {
		return false, fmt.Errorf("billing: expire subscription: %w", err)
	}
	if expired {
		m.logger.Info("subscription expired", logger.UserID(sub.UserID), logger.SubscriptionID(sub.ID))
	}
	return expired, nil
}

// ListSubscriptions returns every subscription row of the user, newest first.
func (m *Manager) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error) {
	subs, err := m.repo.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: list subscriptions: %w", err)
	}
	return subs, nil
}

// ListPayments returns the user's payment history, newest first.
func (m *Manager) ListPayments(ctx context.Context, userID uuid.UUID) ([]models.Payment, error) {
	payments, err := m.repo.ListPaymentsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: list payments: %w", err)
	}
	return payments, nil
}

func subscriptionJob(jobType string, sub *models.UserSubscription) *models.Job {
	payload := models.JSONB{
		"user_id":              sub.UserID.String(),
		"user_subscription_id": sub.ID.String(),
		"plan_id":              sub.SubscriptionID.String(),
	}
	if sub.ValidUntil != nil {
		payload["valid_until"] = sub.ValidUntil.UTC().Format(time.RFC3339)
	}
	return models.NewNotificationJob(jobType, payload)
}
