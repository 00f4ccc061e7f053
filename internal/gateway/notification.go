package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// Notification is the processor's asynchronous report about one transaction.
type Notification struct {
	TrackingID        string
	TransactionID     string
	Status            string
	Amount            int64
	PaymentMethodType string
	Card              *models.Card
}

type notificationEnvelope struct {
	Transaction struct {
		ID                string `json:"id"`
		UID               string `json:"uid"`
		Status            string `json:"status"`
		Amount            int64  `json:"amount"`
		TrackingID        string `json:"tracking_id"`
		PaymentMethodType string `json:"payment_method_type"`
		CreditCard        *struct {
			Last4 string `json:"last_4"`
			Brand string `json:"brand"`
		} `json:"credit_card"`
	} `json:"transaction"`
}

// DecodeNotification parses a webhook body. Malformed JSON or a body without a
// transaction tracking id wraps models.ErrValidation.
func DecodeNotification(r io.Reader) (*Notification, error) {
	var env notificationEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode notification: %v: %w", err, models.ErrValidation)
	}

	tx := env.Transaction
	if strings.TrimSpace(tx.TrackingID) == "" {
		return nil, fmt.Errorf("decode notification: missing tracking id: %w", models.ErrValidation)
	}

	id := tx.ID
	if id == "" {
		id = tx.UID
	}
	n := &Notification{
		TrackingID:        strings.TrimSpace(tx.TrackingID),
		TransactionID:     id,
		Status:            tx.Status,
		Amount:            tx.Amount,
		PaymentMethodType: tx.PaymentMethodType,
	}
	if tx.CreditCard != nil {
		n.Card = &models.Card{LastFour: tx.CreditCard.Last4, Brand: tx.CreditCard.Brand}
	}
	return n, nil
}
