package gateway

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

var statusTable = map[string]models.PaymentStatus{
	"successful": models.PaymentCompleted,
	"failed":     models.PaymentFailed,
	"error":      models.PaymentFailed,
	"expired":    models.PaymentFailed,
	"pending":    models.PaymentPending,
	"incomplete": models.PaymentPending,
}

// MapStatus translates a processor transaction status. Unknown values return false.
func MapStatus(raw string) (models.PaymentStatus, bool) {
	status, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}

// MinorUnits converts an amount to integer minor units (two decimals).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
