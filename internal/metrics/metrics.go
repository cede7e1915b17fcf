package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts outbound attempts by event type and outcome
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Outbound webhook attempts by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks outbound attempt latency in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
	// WebhookInbound counts inbound requests by gate result
	WebhookInbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_inbound_total", Help: "Inbound webhooks by result."},
		[]string{"result"},
	)
	// NormalizedEvents counts gateway payloads normalized per provider
	NormalizedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "normalized_events_total", Help: "Gateway payloads normalized by provider and canonical type."},
		[]string{"provider", "event_type"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(WebhookInbound)
		Registry.MustRegister(NormalizedEvents)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// EventLabel keeps label cardinality bounded: every unknown.* type shares
// one label value.
func EventLabel(eventType string) string {
	if len(eventType) > 8 && eventType[:8] == "unknown." {
		return "unknown"
	}
	return eventType
}
