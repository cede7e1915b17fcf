// Package api implements the HTTP surface of the notification service: the
// inbound webhook gate, partner management, event origination, payments and
// the admin audit views.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"tourhooks/internal/auth"
	"tourhooks/internal/config"
	"tourhooks/internal/integrations"
	"tourhooks/internal/logging"
	"tourhooks/internal/model"
	"tourhooks/internal/partners"
	"tourhooks/internal/store"
	"tourhooks/internal/webhooks"
)

type Server struct {
	Config     *config.Config
	Store      store.Store
	Partners   *partners.Registry
	Dispatcher *webhooks.Dispatcher
	Normalizer *integrations.Normalizer
	Tokens     *auth.TokenService
	Creds      *auth.ClientCredentials
	Broker     FeedBroker
	Log        *logging.Logger

	feed     *feedPump
	limiter  *sourceLimiter
	validate *validator.Validate
}

// NewServer wires the registry, token service and delivery engine around st.
// A nil broker gets the in-process one.
func NewServer(cfg *config.Config, st store.Store, broker FeedBroker, log *logging.Logger, norm *integrations.Normalizer) (*Server, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("api: config and store are required")
	}
	if log == nil {
		log = logging.Default()
	}
	if broker == nil {
		broker = NewBroker()
	}
	if norm == nil {
		norm = integrations.NewNormalizer()
	}
	reg := partners.NewRegistry(st)
	tokens := auth.NewTokenService(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	disp := webhooks.NewDispatcher(reg, st, tokens, log, webhooks.Options{
		Source:          cfg.Webhooks.SourceService,
		RetryBound:      cfg.Webhooks.RetryBound,
		AttemptTimeout:  cfg.Webhooks.AttemptTimeout,
		DeliveryTimeout: cfg.Webhooks.DeliveryTimeout,
		BackoffBase:     cfg.Webhooks.BackoffBase,
		BackoffMax:      cfg.Webhooks.BackoffMax,
	})
	feed := newFeedPump(broker, log)
	disp.OnLog = feed.Publish

	return &Server{
		Config:     cfg,
		Store:      st,
		Partners:   reg,
		Dispatcher: disp,
		Normalizer: norm,
		Tokens:     tokens,
		Creds:      &auth.ClientCredentials{Tokens: tokens, Partners: reg, ServiceKeys: cfg.Auth.ServiceKeys},
		Broker:     broker,
		Log:        log,
		feed:       feed,
		limiter:    newSourceLimiter(cfg.Server.RateRPS, cfg.Server.RateBurst),
		validate:   validator.New(),
	}, nil
}

// Routes returns the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Inbound webhooks
	mux.HandleFunc("POST /webhooks/partner", s.InboundWebhookHandler)
	mux.HandleFunc("POST /webhooks/partner/{provider}", s.InboundWebhookHandler)

	mux.HandleFunc("POST /v1/tokens", s.TokenHandler)

	// Partners
	mux.HandleFunc("POST /v1/partners", s.requireAdmin(s.RegisterPartnerHandler))
	mux.HandleFunc("GET /v1/partners", s.requireAdmin(s.ListPartnersHandler))
	mux.HandleFunc("GET /v1/partners/{id}", s.requireAdmin(s.GetPartnerHandler))
	mux.HandleFunc("PATCH /v1/partners/{id}", s.requireAdmin(s.UpdatePartnerHandler))
	mux.HandleFunc("DELETE /v1/partners/{id}", s.requireAdmin(s.DeactivatePartnerHandler))
	mux.HandleFunc("POST /v1/partners/{id}/secret", s.requireAdmin(s.RegenerateSecretHandler))

	// Origination and payments
	mux.HandleFunc("POST /v1/events", s.requireOriginator(s.EventsHandler))
	mux.HandleFunc("POST /v1/payments", s.requireOriginator(s.CreatePaymentHandler))
	mux.HandleFunc("GET /v1/payments/{provider}/{id}", s.requireOriginator(s.PaymentStatusHandler))
	mux.HandleFunc("POST /v1/payments/{provider}/{id}/refund", s.requireOriginator(s.RefundHandler))

	// Admin
	mux.HandleFunc("GET /v1/admin/webhook-logs", s.requireAdmin(s.WebhookLogsHandler))
	mux.HandleFunc("GET /v1/admin/webhook-logs/ws", s.requireAdmin(s.FeedWSHandler))
	mux.HandleFunc("POST /v1/admin/webhook-logs/{id}/redeliver", s.requireAdmin(s.RedeliverHandler))
	mux.HandleFunc("GET /v1/admin/debug", s.requireAdmin(s.DebugJSON))

	// Ops
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)

	return logging.RequestID(logging.AccessLog(s.Log, instrument(mux)))
}

// Close stops accepting dispatches, waits for in-flight deliveries and
// pending feed rows until ctx is done and releases the broker.
func (s *Server) Close(ctx context.Context) error {
	err := s.Dispatcher.Close(ctx)
	ferr := s.feed.Close(ctx)
	return errors.Join(err, ferr, s.Broker.Close())
}

// appendLog writes an audit row and feeds it to live subscribers.
func (s *Server) appendLog(ctx context.Context, row model.WebhookLog) model.WebhookLog {
	saved, err := s.Store.AppendWebhookLog(context.WithoutCancel(ctx), row)
	if err != nil {
		s.Log.ErrorContext(ctx, "append webhook log failed", "direction", row.Direction, "event_type", row.EventType, "error", err)
		return row
	}
	s.feed.Publish(saved)
	return saved
}
