package logger

import (
	"log/slog"
	"time"
)

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under the key "user_id".
func UserID(id any) slog.Attr {
	return slog.Any("user_id", id)
}

// PaymentID records the payment identifier under the key "payment_id".
func PaymentID(id any) slog.Attr {
	return slog.Any("payment_id", id)
}

// SubscriptionID records the user subscription identifier under the key "user_subscription_id".
func SubscriptionID(id any) slog.Attr {
	return slog.Any("user_subscription_id", id)
}

// Duration records a duration under the key "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
