// Package mockpay is an in-process gateway for development and tests.
// Amounts are in the unit currency (conversion factor 1) and callback event
// names already use the canonical vocabulary.
package mockpay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tourhooks/internal/integrations"
	"tourhooks/internal/model"
)

const Name = "mockpay"

// OutcomeKey in PaymentRequest.Metadata forces the native status of a new
// charge, e.g. "failed" or an unmapped value to exercise review flagging.
const OutcomeKey = "mock_outcome"

var statuses = integrations.StatusTable{
	"created":    model.PaymentPending,
	"pending":    model.PaymentPending,
	"processing": model.PaymentProcessing,
	"succeeded":  model.PaymentCompleted,
	"failed":     model.PaymentFailed,
	"cancelled":  model.PaymentCancelled,
	"refunded":   model.PaymentCancelled,
}

var events = func() integrations.EventTable {
	t := integrations.EventTable{}
	for _, et := range model.EventTypes() {
		t[string(et)] = et
	}
	return t
}()

type charge struct {
	amount   float64
	refunded float64
	currency string
	status   string
}

type Adapter struct {
	mu      sync.Mutex
	charges map[string]*charge
}

func New() *Adapter { return &Adapter{charges: map[string]*charge{}} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) CreatePayment(ctx context.Context, req model.PaymentRequest) (model.PaymentResult, error) {
	if req.Amount <= 0 {
		return model.PaymentResult{}, fmt.Errorf("%s: amount must be positive", Name)
	}
	native := "succeeded"
	if o := strings.TrimSpace(req.Metadata[OutcomeKey]); o != "" {
		native = o
	}
	id := "mock_" + uuid.New().String()
	a.mu.Lock()
	a.charges[id] = &charge{amount: req.Amount, currency: strings.ToUpper(req.Currency), status: native}
	a.mu.Unlock()
	return statuses.Map(id, native), nil
}

func (a *Adapter) GetStatus(ctx context.Context, externalID string) (model.PaymentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.charges[externalID]
	if !ok {
		return model.PaymentResult{}, fmt.Errorf("%s: %w", Name, integrations.ErrPaymentNotFound)
	}
	return statuses.Map(externalID, c.status), nil
}

// Refund succeeds for settled charges while the refunded total stays within
// the charged amount.
func (a *Adapter) Refund(ctx context.Context, externalID string, amount *float64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.charges[externalID]
	if !ok {
		return false, fmt.Errorf("%s: %w", Name, integrations.ErrPaymentNotFound)
	}
	if c.status != "succeeded" {
		return false, nil
	}
	want := c.amount - c.refunded
	if amount != nil {
		want = *amount
	}
	if want <= 0 || c.refunded+want > c.amount+1e-9 {
		return false, nil
	}
	c.refunded += want
	if c.refunded >= c.amount-1e-9 {
		c.status = "refunded"
	}
	return true, nil
}

type callback struct {
	Event      string         `json:"event"`
	PaymentID  string         `json:"payment_id"`
	Amount     any            `json:"amount"`
	Currency   string         `json:"currency"`
	OccurredAt any            `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// NormalizeEvent expects {"event","payment_id","amount","currency","occurred_at","data"}.
func (a *Adapter) NormalizeEvent(raw []byte) (model.CanonicalEvent, error) {
	var cb callback
	if err := integrations.DecodePayload(raw, &cb); err != nil {
		return model.CanonicalEvent{}, err
	}
	if strings.TrimSpace(cb.Event) == "" {
		return model.CanonicalEvent{}, fmt.Errorf("%w: event required", integrations.ErrMalformedPayload)
	}
	at := integrations.ParseTime(cb.OccurredAt)
	if at.IsZero() {
		return model.CanonicalEvent{}, fmt.Errorf("%w: occurred_at required", integrations.ErrMalformedPayload)
	}
	data := make(map[string]any, len(cb.Data)+3)
	for k, v := range cb.Data {
		data[k] = v
	}
	if cb.PaymentID != "" {
		data["payment_id"] = cb.PaymentID
	}
	if cb.Amount != nil {
		data["amount"] = cb.Amount
	}
	if cb.Currency != "" {
		data["currency"] = strings.ToUpper(cb.Currency)
	}
	return model.NewEvent(events.Map(cb.Event), Name, at, data)
}
