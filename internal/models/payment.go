package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the resolution state of a payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Payment is one attempted or completed charge. Its ID doubles as the gateway
// tracking id.
type Payment struct {
	ID                    uuid.UUID       `json:"id"`
	UserSubscriptionID    uuid.UUID       `json:"user_subscription_id"`
	UserID                uuid.UUID       `json:"user_id"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	PaymentDate           time.Time       `json:"payment_date"`
	PeriodStart           time.Time       `json:"period_start"`
	PeriodEnd             time.Time       `json:"period_end"`
	Status                PaymentStatus   `json:"status"`
	CardLastFour          string          `json:"card_last_four,omitempty"`
	CardBrand             string          `json:"card_brand,omitempty"`
	ExternalTransactionID *string         `json:"external_transaction_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Card holds the masked card details reported by the gateway.
type Card struct {
	LastFour string
	Brand    string
}

// PaymentTransition moves a pending payment to a terminal status.
type PaymentTransition struct {
	PaymentID             uuid.UUID
	Status                PaymentStatus
	ExternalTransactionID string
	Card                  *Card
	At                    time.Time
}
