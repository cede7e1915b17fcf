package integrations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tourhooks/internal/model"
)

// Adapter is the capability set every payment gateway integration provides.
type Adapter interface {
	Name() string
	CreatePayment(ctx context.Context, req model.PaymentRequest) (model.PaymentResult, error)
	GetStatus(ctx context.Context, externalID string) (model.PaymentResult, error)
	// Refund refunds amount (unit currency), or the full charge when amount is nil.
	Refund(ctx context.Context, externalID string, amount *float64) (bool, error)
	// NormalizeEvent maps a raw gateway callback to a canonical event. Unmapped
	// native event names become unknown.<name>; it never consults partners.
	NormalizeEvent(raw []byte) (model.CanonicalEvent, error)
}

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrMalformedPayload = errors.New("malformed gateway payload")
	ErrPaymentNotFound  = errors.New("payment not found")
)

// GatewayError is returned when a gateway answers with a non-2xx status.
type GatewayError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: gateway returned HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: gateway returned HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// StatusTable maps native payment statuses to canonical ones.
type StatusTable map[string]model.PaymentStatus

// Map falls back to pending and flags the result for review when native is
// not in the table.
func (t StatusTable) Map(externalID, native string) model.PaymentResult {
	res := model.PaymentResult{ExternalID: externalID, NativeStatus: native}
	if s, ok := t[strings.ToLower(native)]; ok {
		res.Status = s
		return res
	}
	res.Status = model.PaymentPending
	res.NeedsReview = true
	return res
}

// EventTable maps native event names to canonical types.
type EventTable map[string]model.EventType

func (t EventTable) Map(native string) model.EventType {
	if et, ok := t[native]; ok {
		return et
	}
	return model.UnknownEvent(native)
}
