package regionalpay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourhooks/internal/integrations"
	"tourhooks/internal/model"
)

func newGateway(t *testing.T) *Adapter {
	t.Helper()
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("SB-server-key:"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != wantAuth {
			_ = json.NewEncoder(w).Encode(map[string]any{"status_code": "401", "status_message": "unauthorized"})
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/charge":
			var body struct {
				TransactionDetails struct {
					OrderID     string `json:"order_id"`
					GrossAmount string `json:"gross_amount"`
				} `json:"transaction_details"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "150000.00", body.TransactionDetails.GrossAmount)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status_code": "201", "transaction_id": "trx-1", "order_id": body.TransactionDetails.OrderID,
				"transaction_status": "pending",
			})
		case r.URL.Path == "/v2/trx-1/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"status_code": "200", "transaction_status": "settlement"})
		case r.URL.Path == "/v2/trx-404/status":
			_ = json.NewEncoder(w).Encode(map[string]any{"status_code": "404", "status_message": "Transaction doesn't exist."})
		case r.URL.Path == "/v2/trx-1/refund":
			_ = json.NewEncoder(w).Encode(map[string]any{"status_code": "200", "transaction_status": "partial_refund"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, ServerKey: "SB-server-key", Timeout: time.Second})
}

func TestChargeStatusRefund(t *testing.T) {
	a := newGateway(t)
	ctx := context.Background()

	res, err := a.CreatePayment(ctx, model.PaymentRequest{Provider: Name, Amount: 150000, Currency: "IDR", Metadata: map[string]string{"order_id": "ORD-1"}})
	require.NoError(t, err)
	assert.Equal(t, "trx-1", res.ExternalID)
	assert.Equal(t, model.PaymentPending, res.Status)
	assert.False(t, res.NeedsReview)

	res, err = a.GetStatus(ctx, "trx-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, res.Status)

	_, err = a.GetStatus(ctx, "trx-404")
	assert.ErrorIs(t, err, integrations.ErrPaymentNotFound)

	amt := 50000.0
	ok, err := a.Refund(ctx, "trx-1", &amt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInBodyErrorStatus(t *testing.T) {
	a := newGateway(t)
	a.client.Authorize = nil
	_, err := a.GetStatus(context.Background(), "trx-1")
	var gw *integrations.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, 401, gw.StatusCode)
}

const settlement = `{
  "transaction_time": "2026-03-01 17:00:00",
  "transaction_status": "settlement",
  "transaction_id": "trx-1",
  "status_code": "200",
  "payment_type": "bank_transfer",
  "order_id": "ORD-1",
  "gross_amount": "150000.00",
  "currency": "IDR",
  "fraud_status": "accept"
}`

func TestNormalizeEvent(t *testing.T) {
	a := New(Config{})
	evt, err := a.NormalizeEvent([]byte(settlement))
	require.NoError(t, err)
	assert.Equal(t, model.EventPaymentSuccess, evt.EventType)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), evt.OccurredAt)
	assert.Equal(t, 150000.0, evt.Data["amount"])
	assert.Equal(t, "IDR", evt.Data["currency"])
	assert.Equal(t, "trx-1", evt.Data["payment_id"])
	assert.Equal(t, "ORD-1", evt.Data["order_id"])

	again, err := a.NormalizeEvent([]byte(settlement))
	require.NoError(t, err)
	assert.Equal(t, evt, again)
}

func TestNormalizeVocabulary(t *testing.T) {
	a := New(Config{})
	cases := map[string]model.EventType{
		`"transaction_status":"expire"`:                          model.EventPaymentFailed,
		`"transaction_status":"refund"`:                          model.EventPaymentRefunded,
		`"transaction_status":"pending"`:                         "unknown.pending",
		`"transaction_status":"capture","fraud_status":"challenge"`: "unknown.capture_challenge",
		`"transaction_status":"capture","fraud_status":"accept"`:    model.EventPaymentSuccess,
	}
	for fields, want := range cases {
		raw := `{"transaction_time":"2026-03-01 17:00:00","transaction_id":"t",` + fields + `}`
		evt, err := a.NormalizeEvent([]byte(raw))
		require.NoError(t, err, fields)
		assert.Equal(t, want, evt.EventType, fields)
	}

	_, err := a.NormalizeEvent([]byte(`{"transaction_status":"settlement"}`))
	assert.ErrorIs(t, err, integrations.ErrMalformedPayload)
	_, err = a.NormalizeEvent([]byte(`{"transaction_status":"settlement","transaction_time":"2026-03-01 17:00:00","gross_amount":"abc"}`))
	assert.ErrorIs(t, err, integrations.ErrMalformedPayload)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "150000.00", FormatAmount(150000))
	assert.Equal(t, "19.99", FormatAmount(19.99))
}
