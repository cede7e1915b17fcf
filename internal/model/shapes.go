package model

import (
	"fmt"
	"strings"
)

// requiredKeys lists the data keys a concrete consumer relies on per event
// type. The delivery path never consults this; it is applied where events are
// originated by internal services.
var requiredKeys = map[EventType][]string{
	EventPaymentSuccess:   {"payment_id"},
	EventPaymentFailed:    {"payment_id"},
	EventPaymentRefunded:  {"payment_id"},
	EventBookingConfirmed: {"booking_id"},
	EventBookingCancelled: {"booking_id"},
	EventOrderCreated:     {"order_id"},
	EventTourPurchased:    {"tour_id"},
}

// ValidateData checks that data carries the keys consumers of t expect.
func ValidateData(t EventType, data map[string]any) error {
	var missing []string
	for _, k := range requiredKeys[t] {
		v, ok := data[k]
		if !ok || v == nil {
			missing = append(missing, k)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires data keys %s", ErrInvalidEvent, t, strings.Join(missing, ", "))
	}
	return nil
}
