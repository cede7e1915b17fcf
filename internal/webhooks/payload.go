package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tourhooks/internal/model"
)

// Header names shared by the inbound endpoint and outbound deliveries.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderSource    = "X-Webhook-Source"
	HeaderEvent     = "X-Webhook-Event"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderProvider  = "X-Webhook-Provider"
)

// Payload is the wire form of a canonical event.
type Payload struct {
	EventType     string         `json:"event_type"`
	Timestamp     string         `json:"timestamp"`
	SourceService string         `json:"source_service"`
	Data          map[string]any `json:"data"`
}

// EncodeEvent renders the outbound body for evt in canonical JSON.
func EncodeEvent(evt model.CanonicalEvent) ([]byte, error) {
	data := evt.Data
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(Payload{
		EventType:     string(evt.EventType),
		Timestamp:     evt.OccurredAt.UTC().Format(time.RFC3339Nano),
		SourceService: evt.SourceService,
		Data:          data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return Canonicalize(b), nil
}

// DecodeEvent parses an inbound canonical-event body. The source falls back
// to the X-Webhook-Source header value when the body omits it.
func DecodeEvent(body []byte, fallbackSource string) (model.CanonicalEvent, error) {
	var p struct {
		Payload
		OccurredAt string `json:"occurred_at"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if strings.TrimSpace(p.EventType) == "" {
		return model.CanonicalEvent{}, fmt.Errorf("%w: event_type required", model.ErrInvalidEvent)
	}
	t, err := model.ParseEventType(p.EventType)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	ts := p.Timestamp
	if ts == "" {
		ts = p.OccurredAt
	}
	var at time.Time
	if ts != "" {
		if at, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return model.CanonicalEvent{}, fmt.Errorf("%w: timestamp: %v", model.ErrInvalidEvent, err)
		}
	}
	source := p.SourceService
	if source == "" {
		source = fallbackSource
	}
	return model.NewEvent(t, source, at, p.Data)
}
