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

const subscriptionColumns = `id, user_id, subscription_id, start_date, next_billing_date,
		       cancelled_at, valid_until, expired_at, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.SubscriptionID,
		&sub.StartDate,
		&sub.NextBillingDate,
		&sub.CancelledAt,
		&sub.ValidUntil,
		&sub.ExpiredAt,
		&sub.IsActive,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (q *queries) HasActiveSubscription(ctx context.Context, userID, planID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM user_subscriptions
			WHERE user_id = $1 AND subscription_id = $2 AND is_active
		)
	`

	var exists bool
	if err := q.db.QueryRowContext(ctx, query, userID, planID).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: check active subscription: %w", err)
	}
	return exists, nil
}

// CreateUserSubscription inserts sub. A second active row for the same user
// and plan violates the partial unique index and returns ErrConflict.
func (q *queries) CreateUserSubscription(ctx context.Context, sub *models.UserSubscription) error {
	query := `
		INSERT INTO user_subscriptions (
			id, user_id, subscription_id, start_date, next_billing_date, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, err := q.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.SubscriptionID,
		sub.StartDate,
		sub.NextBillingDate,
		sub.IsActive,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: active subscription exists: %w", models.ErrConflict)
		}
		return fmt.Errorf("store: create subscription: %w", err)
	}
	return nil
}

func (q *queries) GetUserSubscription(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE id = $1`

	sub, err := scanSubscription(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: subscription %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

func (q *queries) ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM user_subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return q.listSubscriptions(ctx, query, userID, defaultPageSize)
}

// CancelUserSubscription stops renewal of the single active row for the pair.
func (q *queries) CancelUserSubscription(ctx context.Context, userID, planID uuid.UUID, at time.Time) (*models.UserSubscription, error) {
	query := `
		UPDATE user_subscriptions
		SET cancelled_at = $3,
		    valid_until = next_billing_date,
		    updated_at = $3
		WHERE user_id = $1
		  AND subscription_id = $2
		  AND is_active
		  AND cancelled_at IS NULL
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(q.db.QueryRowContext(ctx, query, userID, planID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: no active subscription to cancel: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("store: cancel subscription: %w", err)
	}
	return sub, nil
}

// ActivateUserSubscription flips a pending row to active. Expired rows and rows
// whose pair already has an active subscription are left alone.
func (q *queries) ActivateUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE user_subscriptions us
		SET is_active = TRUE,
		    updated_at = $2
		WHERE us.id = $1
		  AND NOT us.is_active
		  AND us.expired_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM user_subscriptions other
			WHERE other.user_id = us.user_id
			  AND other.subscription_id = us.subscription_id
			  AND other.is_active
			  AND other.id <> us.id
		  )
	`

	result, err := q.db.ExecContext(ctx, query, id, at)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("store: activate subscription: %w", models.ErrConflict)
		}
		return false, fmt.Errorf("store: activate subscription: %w", err)
	}
	return affectedOne(result)
}

// AdvanceBillingDate compares and swaps next_billing_date.
func (q *queries) AdvanceBillingDate(ctx context.Context, id uuid.UUID, from, to time.Time) (bool, error) {
	query := `
		UPDATE user_subscriptions
		SET next_billing_date = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND next_billing_date = $2
		  AND is_active
		  AND cancelled_at IS NULL
	`

	result, err := q.db.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("store: advance billing date: %w", err)
	}
	return affectedOne(result)
}

func (q *queries) ExpireUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE user_subscriptions
		SET is_active = FALSE,
		    expired_at = $2,
		    updated_at = $2
		WHERE id = $1
		  AND is_active
		  AND cancelled_at IS NOT NULL
		  AND valid_until <= $2
	`

	result, err := q.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("store: expire subscription: %w", err)
	}
	return affectedOne(result)
}

// ListDueUserSubscriptions returns active rows that either reached the end of
// a cancelled period or passed their next billing date.
func (q *queries) ListDueUserSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM user_subscriptions
		WHERE is_active
		  AND (
			(cancelled_at IS NOT NULL AND valid_until <= $1)
			OR (cancelled_at IS NULL AND next_billing_date <= $1)
		  )
		ORDER BY next_billing_date ASC
		LIMIT $2
	`
	return q.listSubscriptions(ctx, query, now, clampLimit(limit))
}

func (q *queries) listSubscriptions(ctx context.Context, query string, args ...any) ([]models.UserSubscription, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []models.UserSubscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return subs, nil
}

func affectedOne(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return affected > 0, nil
}
