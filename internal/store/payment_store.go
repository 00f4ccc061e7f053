package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const paymentColumns = `id, user_subscription_id, user_id, amount, currency, payment_date,
		       period_start, period_end, status, card_last_four, card_brand,
		       external_transaction_id, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID,
		&p.UserSubscriptionID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.PaymentDate,
		&p.PeriodStart,
		&p.PeriodEnd,
		&p.Status,
		&p.CardLastFour,
		&p.CardBrand,
		&p.ExternalTransactionID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (q *queries) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (
			id, user_subscription_id, user_id, amount, currency, payment_date,
			period_start, period_end, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := q.db.ExecContext(ctx, query,
		p.ID,
		p.UserSubscriptionID,
		p.UserID,
		p.Amount,
		p.Currency,
		p.PaymentDate,
		p.PeriodStart,
		p.PeriodEnd,
		p.Status,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create payment: %w", err)
	}
	return nil
}

func (q *queries) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	p, err := scanPayment(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: payment %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get payment: %w", err)
	}
	return p, nil
}

func (q *queries) ListPaymentsByUser(ctx context.Context, userID uuid.UUID) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return q.listPayments(ctx, query, userID, defaultPageSize)
}

// TransitionPayment is the single-resolution point for payments: the update
// only matches while the row is still pending, so of two concurrent callers
// exactly one gets the row back.
func (q *queries) TransitionPayment(ctx context.Context, t models.PaymentTransition) (*models.Payment, bool, error) {
	query := `
		UPDATE payments
		SET status = $2,
		    external_transaction_id = COALESCE(NULLIF($3::text, ''), external_transaction_id),
		    card_last_four = COALESCE(NULLIF($4::text, ''), card_last_four),
		    card_brand = COALESCE(NULLIF($5::text, ''), card_brand),
		    updated_at = $6
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns

	var lastFour, brand string
	if t.Card != nil {
		lastFour, brand = t.Card.LastFour, t.Card.Brand
	}

	p, err := scanPayment(q.db.QueryRowContext(ctx, query,
		t.PaymentID, t.Status, t.ExternalTransactionID, lastFour, brand, t.At,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: transition payment: %w", err)
	}
	return p, true, nil
}

// ListStalePendingPayments returns pending payments created before olderThan.
// Never-checked rows come first, then the ones checked longest ago, so rows
// the gateway keeps reporting as unknown rotate to the back of the queue.
func (q *queries) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY last_checked_at ASC NULLS FIRST, created_at ASC
		LIMIT $2
	`
	return q.listPayments(ctx, query, olderThan, clampLimit(limit))
}

func (q *queries) MarkPaymentChecked(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE payments SET last_checked_at = $2 WHERE id = $1 AND status = 'pending'`

	if _, err := q.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("store: mark payment checked: %w", err)
	}
	return nil
}

func (q *queries) PendingCheckout(ctx context.Context, userID, planID uuid.UUID, since time.Time) (*models.Payment, error) {
	// Serialises concurrent purchases of the same plan by the same user for
	// the rest of the enclosing transaction.
	lockKey := userID.String() + ":" + planID.String()
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return nil, fmt.Errorf("store: lock checkout: %w", err)
	}

	query := `SELECT p.id, p.user_subscription_id, p.user_id, p.amount, p.currency, p.payment_date,
		       p.period_start, p.period_end, p.status, p.card_last_four, p.card_brand,
		       p.external_transaction_id, p.created_at, p.updated_at
		FROM payments p
		JOIN user_subscriptions us ON us.id = p.user_subscription_id
		WHERE p.user_id = $1
		  AND us.subscription_id = $2
		  AND p.status = 'pending'
		  AND p.created_at > $3
		ORDER BY p.created_at DESC
		LIMIT 1
	`
	p, err := scanPayment(q.db.QueryRowContext(ctx, query, userID, planID, since))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find pending checkout: %w", err)
	}
	return p, nil
}

func (q *queries) listPayments(ctx context.Context, query string, args ...any) ([]models.Payment, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list payments: %w", err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate payments: %w", err)
	}
	return payments, nil
}
