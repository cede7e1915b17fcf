// Package cardpay integrates a card-processor gateway with a payment-intent
// API. The gateway speaks in minor units: 125.50 EUR travels as 12550.
package cardpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tourhooks/internal/integrations"
	"tourhooks/internal/model"
)

const (
	Name        = "cardpay"
	minorFactor = 100
)

var statuses = integrations.StatusTable{
	"requires_payment_method": model.PaymentPending,
	"requires_confirmation":   model.PaymentPending,
	"requires_action":         model.PaymentPending,
	"processing":              model.PaymentProcessing,
	"requires_capture":        model.PaymentProcessing,
	"succeeded":               model.PaymentCompleted,
	"payment_failed":          model.PaymentFailed,
	"canceled":                model.PaymentCancelled,
}

var events = integrations.EventTable{
	"payment_intent.succeeded":      model.EventPaymentSuccess,
	"payment_intent.payment_failed": model.EventPaymentFailed,
	"payment_intent.canceled":       model.EventPaymentFailed,
	"charge.refunded":               model.EventPaymentRefunded,
}

type Config struct {
	BaseURL  string
	APIKey   string
	Currency string
	Timeout  time.Duration
}

type Adapter struct {
	client   *integrations.Client
	currency string
}

func New(cfg Config) *Adapter {
	key := cfg.APIKey
	cur := strings.ToLower(cfg.Currency)
	if cur == "" {
		cur = "eur"
	}
	return &Adapter{
		client: integrations.NewClient(Name, cfg.BaseURL, cfg.Timeout, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+key)
		}),
		currency: cur,
	}
}

func (a *Adapter) Name() string { return Name }

type intent struct {
	ID       string            `json:"id"`
	Object   string            `json:"object,omitempty"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Intent   string            `json:"payment_intent,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createIntent struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (a *Adapter) CreatePayment(ctx context.Context, req model.PaymentRequest) (model.PaymentResult, error) {
	cur := strings.ToLower(req.Currency)
	if cur == "" {
		cur = a.currency
	}
	var out intent
	err := a.client.Do(ctx, http.MethodPost, "/v1/payment_intents", createIntent{
		Amount:      integrations.ToMinor(req.Amount, minorFactor),
		Currency:    cur,
		Description: req.Description,
		Metadata:    req.Metadata,
	}, &out)
	if err != nil {
		return model.PaymentResult{}, err
	}
	return statuses.Map(out.ID, out.Status), nil
}

func (a *Adapter) GetStatus(ctx context.Context, externalID string) (model.PaymentResult, error) {
	var out intent
	if err := a.client.Do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(externalID), nil, &out); err != nil {
		return model.PaymentResult{}, err
	}
	return statuses.Map(out.ID, out.Status), nil
}

func (a *Adapter) Refund(ctx context.Context, externalID string, amount *float64) (bool, error) {
	body := map[string]any{"payment_intent": externalID}
	if amount != nil {
		body["amount"] = integrations.ToMinor(*amount, minorFactor)
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.client.Do(ctx, http.MethodPost, "/v1/refunds", body, &out); err != nil {
		return false, err
	}
	return out.Status == "succeeded" || out.Status == "pending", nil
}

type eventEnvelope struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Created json.Number `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// NormalizeEvent maps {"id","type","created","data":{"object":{...}}}.
// Amounts are converted from minor units; metadata keys are lifted into data.
func (a *Adapter) NormalizeEvent(raw []byte) (model.CanonicalEvent, error) {
	var env eventEnvelope
	if err := integrations.DecodePayload(raw, &env); err != nil {
		return model.CanonicalEvent{}, err
	}
	if env.Type == "" {
		return model.CanonicalEvent{}, fmt.Errorf("%w: type required", integrations.ErrMalformedPayload)
	}
	at := integrations.ParseTime(env.Created)
	if at.IsZero() {
		return model.CanonicalEvent{}, fmt.Errorf("%w: created required", integrations.ErrMalformedPayload)
	}
	var obj intent
	if len(env.Data.Object) > 0 {
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return model.CanonicalEvent{}, fmt.Errorf("%w: data.object: %v", integrations.ErrMalformedPayload, err)
		}
	}
	data := map[string]any{"gateway_event_id": env.ID}
	for k, v := range obj.Metadata {
		data[k] = v
	}
	paymentID := obj.ID
	if obj.Intent != "" {
		paymentID = obj.Intent
	}
	if paymentID != "" {
		data["payment_id"] = paymentID
	}
	if obj.Currency != "" {
		data["amount"] = integrations.FromMinor(obj.Amount, minorFactor)
		data["currency"] = strings.ToUpper(obj.Currency)
	}
	if obj.Status != "" {
		data["native_status"] = obj.Status
	}
	return model.NewEvent(events.Map(env.Type), Name, at, data)
}
