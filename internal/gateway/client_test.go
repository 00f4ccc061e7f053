package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(Config{
		ShopID:          "361",
		SecretKey:       "s3cret",
		CheckoutURL:     srv.URL + "/ctp/api/checkouts",
		APIURL:          srv.URL,
		Test:            true,
		SuccessURL:      "https://app.example.com/ok",
		FailURL:         "https://app.example.com/fail",
		NotificationURL: "https://api.example.com/api/webhooks/payments",
		Timeout:         timeout,
		Logger:          logger.Discard(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{CheckoutURL: "https://x", APIURL: "https://y"})
	assert.Error(t, err)
}

func TestInitiateCheckoutSendsEnvelope(t *testing.T) {
	var got map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "361", user)
		assert.Equal(t, "s3cret", pass)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/ctp/api/checkouts", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"checkout":{"token":"tok_1","redirect_url":"https://checkout.example.com/v2/checkout?token=tok_1"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, time.Second)
	expiry := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	checkout, err := c.InitiateCheckout(context.Background(), CheckoutRequest{
		Amount:        decimal.RequireFromString("19.99"),
		Currency:      "BYN",
		Description:   "Premium",
		TrackingID:    "8b1e8f5e-3a77-4d1e-9c4a-8c7f0e6d2a11",
		CustomerEmail: "ann@example.com",
		ExpiresAt:     &expiry,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok_1", checkout.Token)
	assert.Equal(t, "https://checkout.example.com/v2/checkout?token=tok_1", checkout.RedirectURL)

	co := got["checkout"]
	assert.Equal(t, true, co["test"])
	assert.Equal(t, "payment", co["transaction_type"])
	assert.Equal(t, "2.1", co["version"])

	order := co["order"].(map[string]any)
	assert.Equal(t, float64(1999), order["amount"])
	assert.Equal(t, "BYN", order["currency"])
	assert.Equal(t, "8b1e8f5e-3a77-4d1e-9c4a-8c7f0e6d2a11", order["tracking_id"])
	assert.Equal(t, "2024-05-01T12:00:00Z", order["expired_at"])

	settings := co["settings"].(map[string]any)
	assert.Equal(t, "https://api.example.com/api/webhooks/payments", settings["notification_url"])
	assert.Equal(t, "ann@example.com", co["customer"].(map[string]any)["email"])
}

func TestInitiateCheckoutRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Amount is invalid"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, time.Second)
	_, err := c.InitiateCheckout(context.Background(), CheckoutRequest{Amount: decimal.NewFromInt(1), Currency: "BYN", TrackingID: "x"})
	require.Error(t, err)

	assert.True(t, errors.Is(err, models.ErrGatewayRejected))
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Contains(t, rejected.Body, "Amount is invalid")
}

func TestQueryStatusPicksLatestTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/tracking_id/pay-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"transactions":[
			{"status":"failed","created_at":"2024-05-01T10:00:00Z"},
			{"status":"successful","created_at":"2024-05-01T10:05:00Z"},
			{"status":"pending","created_at":"2024-05-01T09:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	status, ok := newTestClient(t, srv, time.Second).QueryStatus(context.Background(), "pay-1")
	assert.True(t, ok)
	assert.Equal(t, models.PaymentCompleted, status)
}

func TestQueryStatusUnknownOutcomes(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"garbage body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
		"empty list": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"transactions":[]}`))
		},
		"unknown status": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"transactions":[{"status":"chargeback","created_at":"2024-05-01T10:00:00Z"}]}`))
		},
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			status, ok := newTestClient(t, srv, time.Second).QueryStatus(context.Background(), "pay-1")
			assert.False(t, ok)
			assert.Equal(t, models.PaymentStatus(""), status)
		})
	}
}

func TestQueryStatusTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, ok := newTestClient(t, srv, 50*time.Millisecond).QueryStatus(context.Background(), "pay-1")
	assert.False(t, ok)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]struct {
		want models.PaymentStatus
		ok   bool
	}{
		"successful": {models.PaymentCompleted, true},
		"failed":     {models.PaymentFailed, true},
		"error":      {models.PaymentFailed, true},
		"expired":    {models.PaymentFailed, true},
		"pending":    {models.PaymentPending, true},
		"incomplete": {models.PaymentPending, true},
		"Successful": {models.PaymentCompleted, true},
		"refunded":   {"", false},
		"":           {"", false},
	}
	for raw, tc := range cases {
		got, ok := MapStatus(raw)
		assert.Equalf(t, tc.ok, ok, "status %q", raw)
		assert.Equalf(t, tc.want, got, "status %q", raw)
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1999), MinorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(500), MinorUnits(decimal.NewFromInt(5)))
	assert.Equal(t, int64(1), MinorUnits(decimal.RequireFromString("0.005")))
}

func TestDecodeNotification(t *testing.T) {
	body := `{"transaction":{"id":"tx-77","status":"successful","amount":1999,"tracking_id":"abc","payment_method_type":"credit_card","credit_card":{"last_4":"4242","brand":"visa"}}}`

	n, err := DecodeNotification(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "abc", n.TrackingID)
	assert.Equal(t, "tx-77", n.TransactionID)
	assert.Equal(t, "successful", n.Status)
	assert.Equal(t, int64(1999), n.Amount)
	require.NotNil(t, n.Card)
	assert.Equal(t, "4242", n.Card.LastFour)
	assert.Equal(t, "visa", n.Card.Brand)
}

func TestDecodeNotificationRejectsBadInput(t *testing.T) {
	for _, body := range []string{`{`, `{"transaction":{"status":"successful"}}`} {
		_, err := DecodeNotification(strings.NewReader(body))
		assert.ErrorIs(t, err, models.ErrValidation)
	}
}

func TestVerifyBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newTestClient(t, srv, time.Second)

	r := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", nil)
	assert.False(t, c.VerifyBasicAuth(r))
	r.SetBasicAuth("361", "s3cret")
	assert.True(t, c.VerifyBasicAuth(r))
}
