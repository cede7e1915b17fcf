// Package regionalpay integrates a regional gateway with core-API style
// charge and status endpoints. Amounts are decimal strings in the unit
// currency ("150000.00"), so no conversion factor applies.
package regionalpay

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tourhooks/internal/integrations"
	"tourhooks/internal/model"
)

const Name = "regionalpay"

// Gateway timestamps carry no offset and are in Western Indonesia Time.
var gatewayZone = time.FixedZone("WIB", 7*60*60)

var statuses = integrations.StatusTable{
	"pending":        model.PaymentPending,
	"authorize":      model.PaymentProcessing,
	"capture":        model.PaymentCompleted,
	"settlement":     model.PaymentCompleted,
	"deny":           model.PaymentFailed,
	"failure":        model.PaymentFailed,
	"cancel":         model.PaymentCancelled,
	"expire":         model.PaymentCancelled,
	"refund":         model.PaymentCancelled,
	"partial_refund": model.PaymentCompleted,
}

var events = integrations.EventTable{
	"settlement":     model.EventPaymentSuccess,
	"capture":        model.EventPaymentSuccess,
	"deny":           model.EventPaymentFailed,
	"failure":        model.EventPaymentFailed,
	"cancel":         model.EventPaymentFailed,
	"expire":         model.EventPaymentFailed,
	"refund":         model.EventPaymentRefunded,
	"partial_refund": model.EventPaymentRefunded,
}

type Config struct {
	BaseURL   string
	ServerKey string
	Currency  string
	Timeout   time.Duration
}

type Adapter struct {
	client   *integrations.Client
	currency string
}

func New(cfg Config) *Adapter {
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.ServerKey+":"))
	cur := strings.ToUpper(cfg.Currency)
	if cur == "" {
		cur = "IDR"
	}
	return &Adapter{
		client: integrations.NewClient(Name, cfg.BaseURL, cfg.Timeout, func(r *http.Request) {
			r.Header.Set("Authorization", auth)
		}),
		currency: cur,
	}
}

func (a *Adapter) Name() string { return Name }

type transaction struct {
	StatusCode        string `json:"status_code"`
	StatusMessage     string `json:"status_message"`
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	PaymentType       string `json:"payment_type"`
	TransactionStatus string `json:"transaction_status"`
	TransactionTime   string `json:"transaction_time"`
	FraudStatus       string `json:"fraud_status"`
	CustomField1      string `json:"custom_field1,omitempty"`
}

// check turns an in-body error status into a GatewayError; the gateway
// answers HTTP 200 even for rejected requests.
func check(t transaction) error {
	code, err := strconv.Atoi(t.StatusCode)
	if err != nil || code < 300 {
		return nil
	}
	if code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", Name, integrations.ErrPaymentNotFound)
	}
	return &integrations.GatewayError{Provider: Name, StatusCode: code, Message: t.StatusMessage}
}

func (a *Adapter) CreatePayment(ctx context.Context, req model.PaymentRequest) (model.PaymentResult, error) {
	orderID := req.Metadata["order_id"]
	if orderID == "" {
		orderID = fmt.Sprintf("tour-%d", time.Now().UnixNano())
	}
	cur := strings.ToUpper(req.Currency)
	if cur == "" {
		cur = a.currency
	}
	body := map[string]any{
		"payment_type": "bank_transfer",
		"transaction_details": map[string]any{
			"order_id":     orderID,
			"gross_amount": FormatAmount(req.Amount),
		},
		"currency":      cur,
		"custom_field1": req.Description,
	}
	var out transaction
	if err := a.client.Do(ctx, http.MethodPost, "/v2/charge", body, &out); err != nil {
		return model.PaymentResult{}, err
	}
	if err := check(out); err != nil {
		return model.PaymentResult{}, err
	}
	return statuses.Map(out.TransactionID, out.TransactionStatus), nil
}

func (a *Adapter) GetStatus(ctx context.Context, externalID string) (model.PaymentResult, error) {
	var out transaction
	if err := a.client.Do(ctx, http.MethodGet, "/v2/"+url.PathEscape(externalID)+"/status", nil, &out); err != nil {
		return model.PaymentResult{}, err
	}
	if err := check(out); err != nil {
		return model.PaymentResult{}, err
	}
	return statuses.Map(externalID, out.TransactionStatus), nil
}

func (a *Adapter) Refund(ctx context.Context, externalID string, amount *float64) (bool, error) {
	body := map[string]any{"reason": "tour cancellation"}
	if amount != nil {
		body["amount"] = FormatAmount(*amount)
	}
	var out transaction
	if err := a.client.Do(ctx, http.MethodPost, "/v2/"+url.PathEscape(externalID)+"/refund", body, &out); err != nil {
		return false, err
	}
	if err := check(out); err != nil {
		return false, err
	}
	return out.TransactionStatus == "refund" || out.TransactionStatus == "partial_refund", nil
}

// NormalizeEvent maps a transaction notification. A capture that the
// gateway's fraud check challenged is not a success and normalizes to
// unknown.capture_challenge.
func (a *Adapter) NormalizeEvent(raw []byte) (model.CanonicalEvent, error) {
	var t transaction
	if err := integrations.DecodePayload(raw, &t); err != nil {
		return model.CanonicalEvent{}, err
	}
	if t.TransactionStatus == "" {
		return model.CanonicalEvent{}, fmt.Errorf("%w: transaction_status required", integrations.ErrMalformedPayload)
	}
	at, err := time.ParseInLocation("2006-01-02 15:04:05", t.TransactionTime, gatewayZone)
	if err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("%w: transaction_time: %v", integrations.ErrMalformedPayload, err)
	}
	native := t.TransactionStatus
	if native == "capture" && t.FraudStatus != "" && t.FraudStatus != "accept" {
		native = "capture_" + t.FraudStatus
	}
	data := map[string]any{
		"payment_id":    t.TransactionID,
		"order_id":      t.OrderID,
		"native_status": t.TransactionStatus,
	}
	if t.GrossAmount != "" {
		amt, err := strconv.ParseFloat(t.GrossAmount, 64)
		if err != nil {
			return model.CanonicalEvent{}, fmt.Errorf("%w: gross_amount: %v", integrations.ErrMalformedPayload, err)
		}
		data["amount"] = amt
	}
	cur := strings.ToUpper(t.Currency)
	if cur == "" {
		cur = a.currency
	}
	data["currency"] = cur
	if t.PaymentType != "" {
		data["payment_type"] = t.PaymentType
	}
	return model.NewEvent(events.Map(native), Name, at, data)
}

// FormatAmount renders a unit-currency amount the way the gateway expects.
func FormatAmount(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
