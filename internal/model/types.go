package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventType is a member of the canonical event taxonomy.
type EventType string

const (
	EventPaymentSuccess   EventType = "payment.success"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingCancelled EventType = "booking.cancelled"
	EventOrderCreated     EventType = "order.created"
	EventTourPurchased    EventType = "tour.purchased"
)

// UnknownPrefix marks gateway events that have no canonical mapping.
const UnknownPrefix = "unknown."

var taxonomy = map[EventType]struct{}{
	EventPaymentSuccess:   {},
	EventPaymentFailed:    {},
	EventPaymentRefunded:  {},
	EventBookingConfirmed: {},
	EventBookingCancelled: {},
	EventOrderCreated:     {},
	EventTourPurchased:    {},
}

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidEvent     = errors.New("invalid event")
)

// EventTypes returns the closed taxonomy in lexical order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(taxonomy))
	for t := range taxonomy {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribable reports whether t is in the closed taxonomy. Partners may only
// subscribe to these.
func (t EventType) Subscribable() bool {
	_, ok := taxonomy[t]
	return ok
}

// IsUnknown reports whether t is a normalized-but-unmapped gateway event.
func (t EventType) IsUnknown() bool {
	return strings.HasPrefix(string(t), UnknownPrefix) && len(t) > len(UnknownPrefix)
}

// Valid accepts taxonomy members and unknown.<native> types.
func (t EventType) Valid() bool { return t.Subscribable() || t.IsUnknown() }

// UnknownEvent builds the fallback type for a native gateway event name.
func UnknownEvent(native string) EventType {
	native = strings.TrimSpace(native)
	if native == "" {
		native = "unnamed"
	}
	return EventType(UnknownPrefix + native)
}

// ParseEventType accepts only subscribable types.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	if !t.Subscribable() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// ParseEventTypes parses and de-duplicates a subscription list.
func ParseEventTypes(in []string) ([]EventType, error) {
	seen := make(map[EventType]struct{}, len(in))
	out := make([]EventType, 0, len(in))
	for _, s := range in {
		t, err := ParseEventType(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CanonicalEvent is the gateway-agnostic representation of something that
// happened. Values are never mutated after construction; Data is copied in.
type CanonicalEvent struct {
	EventType     EventType      `json:"event_type"`
	OccurredAt    time.Time      `json:"occurred_at"`
	SourceService string         `json:"source_service"`
	Data          map[string]any `json:"data"`
}

// NewEvent validates the type and takes a shallow copy of data.
func NewEvent(t EventType, source string, occurredAt time.Time, data map[string]any) (CanonicalEvent, error) {
	if !t.Valid() {
		return CanonicalEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if strings.TrimSpace(source) == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: source_service required", ErrInvalidEvent)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return CanonicalEvent{EventType: t, OccurredAt: occurredAt.UTC(), SourceService: source, Data: cp}, nil
}

// Partner is an external system subscribed to canonical events.
type Partner struct {
	ID                       string      `json:"id"`
	Name                     string      `json:"name"`
	WebhookURL               string      `json:"webhook_url"`
	SharedSecret             string      `json:"-"`
	SubscribedEvents         []EventType `json:"subscribed_events"`
	IsActive                 bool        `json:"is_active"`
	ContactInfo              string      `json:"contact_info,omitempty"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
	LastSuccessfulDeliveryAt *time.Time  `json:"last_successful_delivery_at,omitempty"`
}

// Subscribes reports whether the partner wants events of type t.
func (p Partner) Subscribes(t EventType) bool {
	for _, s := range p.SubscribedEvents {
		if s == t {
			return true
		}
	}
	return false
}

// PartnerPatch carries optional partner updates.
type PartnerPatch struct {
	Name             *string
	WebhookURL       *string
	SubscribedEvents []EventType
	ContactInfo      *string
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// WebhookLog is one audit row: a single inbound request or a single outbound
// attempt. Rows are append-only.
type WebhookLog struct {
	ID                string    `json:"id"`
	Direction         Direction `json:"direction"`
	EventType         string    `json:"event_type"`
	PartnerID         string    `json:"partner_id,omitempty"`
	URL               string    `json:"url"`
	Payload           []byte    `json:"payload,omitempty"`
	Signature         string    `json:"signature,omitempty"`
	SignatureVerified bool      `json:"signature_verified"`
	TokenVerified     bool      `json:"token_verified"`
	HTTPStatus        *int      `json:"http_status,omitempty"`
	Success           bool      `json:"success"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	RetryCount        int       `json:"retry_count"`
	NeedsReview       bool      `json:"needs_review,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// LogFilter narrows audit log queries. Zero values match everything.
type LogFilter struct {
	Direction Direction
	PartnerID string
	EventType string
	Success   *bool
	Cursor    string
	Limit     int
}

// PaymentStatus is the canonical charge status.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// PaymentRequest is the gateway-neutral charge request. Amount is in the unit
// currency (e.g. 125.50 EUR); adapters convert to their native scale.
type PaymentRequest struct {
	Provider    string            `json:"provider" validate:"required"`
	Amount      float64           `json:"amount" validate:"gt=0"`
	Currency    string            `json:"currency" validate:"required,len=3"`
	Description string            `json:"description" validate:"max=500"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PaymentResult is what an adapter reports back for create/status calls.
type PaymentResult struct {
	ExternalID   string        `json:"external_id"`
	Status       PaymentStatus `json:"status"`
	NativeStatus string        `json:"native_status,omitempty"`
	NeedsReview  bool          `json:"needs_review,omitempty"`
}
