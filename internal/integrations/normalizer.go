package integrations

import (
	"fmt"
	"sort"
	"strings"

	"tourhooks/internal/metrics"
	"tourhooks/internal/model"
)

// Normalizer picks the adapter for a provider id and normalizes its payload.
// It holds no mutable state after construction.
type Normalizer struct {
	adapters map[string]Adapter
}

func NewNormalizer(adapters ...Adapter) *Normalizer {
	n := &Normalizer{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		n.adapters[strings.ToLower(a.Name())] = a
	}
	return n
}

// Adapter returns the adapter registered for provider.
func (n *Normalizer) Adapter(provider string) (Adapter, error) {
	a, ok := n.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return a, nil
}

func (n *Normalizer) Normalize(provider string, raw []byte) (model.CanonicalEvent, error) {
	a, err := n.Adapter(provider)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	evt, err := a.NormalizeEvent(raw)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	metrics.NormalizedEvents.WithLabelValues(a.Name(), metrics.EventLabel(string(evt.EventType))).Inc()
	return evt, nil
}

func (n *Normalizer) Providers() []string {
	out := make([]string, 0, len(n.adapters))
	for k := range n.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
