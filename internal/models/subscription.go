package models

import (
	"time"

	"github.com/google/uuid"
)

// UserSubscription is one user's billing and access record against a plan.
//
// An active row without CancelledAt rolls forward at NextBillingDate. An active
// row with CancelledAt keeps access until ValidUntil. Inactive rows never grant
// access; once ExpiredAt is set the row is terminal.
type UserSubscription struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	SubscriptionID  uuid.UUID  `json:"subscription_id"`
	StartDate       time.Time  `json:"start_date"`
	NextBillingDate time.Time  `json:"next_billing_date"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsCancelled reports whether the user asked to stop renewal.
func (s *UserSubscription) IsCancelled() bool {
	return s.CancelledAt != nil
}

// HasAccessAt reports whether the row grants access at the given instant.
func (s *UserSubscription) HasAccessAt(t time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.CancelledAt != nil && s.ValidUntil != nil {
		return t.Before(*s.ValidUntil)
	}
	return true
}
