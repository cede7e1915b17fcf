package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"tourhooks/internal/auth"
	"tourhooks/internal/metrics"
	"tourhooks/internal/model"
	"tourhooks/internal/partners"
	"tourhooks/internal/webhooks"
)

const maxInboundBody = 1 << 20

type securityVerdict struct {
	JWTValidated  bool `json:"jwt_validated"`
	HMACValidated bool `json:"hmac_validated"`
}

type inboundResult struct {
	Delivery    string `json:"delivery"`
	Subscribers int    `json:"subscribers"`
}

type inboundResponse struct {
	Status    string          `json:"status"`
	EventType string          `json:"event_type"`
	Result    inboundResult   `json:"result"`
	Ack       bool            `json:"ack"`
	Security  securityVerdict `json:"security"`
}

// InboundWebhookHandler handles POST /webhooks/partner[/{provider}].
//
// Both gates always run so the audit row carries both verdicts. Without a
// provider the body is a canonical event; with one it is a raw gateway
// callback handed to that provider's adapter.
func (s *Server) InboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	source := strings.TrimSpace(r.Header.Get(webhooks.HeaderSource))
	provider := r.PathValue("provider")
	if provider == "" {
		provider = strings.TrimSpace(r.Header.Get(webhooks.HeaderProvider))
	}

	sig := strings.TrimSpace(r.Header.Get(webhooks.HeaderSignature))
	row := model.WebhookLog{
		Direction: model.Inbound,
		EventType: r.Header.Get(webhooks.HeaderEvent),
		URL:       r.URL.Path,
		Signature: sig,
	}

	claims, tokenErr := s.tokenGate(r)
	row.TokenVerified = tokenErr == nil

	// The bucket follows the verified token subject. Callers without a valid
	// token share one per client address, so a forged source header cannot
	// spend a partner's allowance.
	limitKey := "addr:" + clientAddr(r)
	if claims != nil {
		limitKey = "sub:" + claims.Subject
	}
	if !s.limiter.Allow(limitKey) {
		row.ErrorMessage = "inbound rate exceeded"
		row.HTTPStatus = intPtr(http.StatusTooManyRequests)
		s.appendLog(ctx, row)
		metrics.WebhookInbound.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "inbound rate exceeded for caller", r.URL.Path)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBody))
	if err != nil {
		status, title := http.StatusBadRequest, "Unreadable body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status, title = http.StatusRequestEntityTooLarge, "Payload Too Large"
		}
		row.ErrorMessage = err.Error()
		row.HTTPStatus = intPtr(status)
		s.appendLog(ctx, row)
		metrics.WebhookInbound.WithLabelValues("bad_request").Inc()
		writeProblem(w, status, title, err.Error(), r.URL.Path)
		return
	}
	row.Payload = body

	secret, partnerID := s.inboundSecret(r, source)
	row.PartnerID = partnerID
	row.SignatureVerified = sig != "" && webhooks.Verify(body, sig, secret)
	verdict := securityVerdict{JWTValidated: row.TokenVerified, HMACValidated: row.SignatureVerified}

	if !row.TokenVerified || !row.SignatureVerified {
		reason := gateFailure(tokenErr, sig, row.SignatureVerified)
		row.ErrorMessage = reason
		row.HTTPStatus = intPtr(http.StatusUnauthorized)
		s.appendLog(ctx, row)
		metrics.WebhookInbound.WithLabelValues("unauthorized").Inc()
		s.Log.WarnContext(ctx, "inbound webhook rejected", "source", source, "provider", provider,
			"token_verified", row.TokenVerified, "signature_verified", row.SignatureVerified)
		p := newProblem(http.StatusUnauthorized, "Unauthorized", reason, r.URL.Path)
		p.Security = &verdict
		w.Header().Set("WWW-Authenticate", `Bearer realm="tourhooks"`)
		writeProblemDoc(w, p)
		return
	}

	var evt model.CanonicalEvent
	if provider != "" {
		evt, err = s.Normalizer.Normalize(provider, body)
	} else {
		evt, err = webhooks.DecodeEvent(body, source)
	}
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		row.ErrorMessage = err.Error()
		row.HTTPStatus = intPtr(status)
		s.appendLog(ctx, row)
		metrics.WebhookInbound.WithLabelValues("invalid").Inc()
		writeProblem(w, status, "Invalid webhook payload", err.Error(), r.URL.Path)
		return
	}
	row.EventType = string(evt.EventType)
	// unmapped gateway events are kept for a human to look at
	row.NeedsReview = evt.EventType.IsUnknown()

	n, err := s.Dispatcher.Dispatch(ctx, evt)
	if err != nil {
		row.ErrorMessage = err.Error()
		row.HTTPStatus = intPtr(statusFor(err))
		s.appendLog(ctx, row)
		metrics.WebhookInbound.WithLabelValues("error").Inc()
		s.writeError(w, r, "Dispatch failed", err)
		return
	}

	row.Success = true
	row.HTTPStatus = intPtr(http.StatusOK)
	s.appendLog(ctx, row)
	metrics.WebhookInbound.WithLabelValues("accepted").Inc()
	s.Log.InfoContext(ctx, "inbound webhook accepted", "source", source, "provider", provider,
		"event_type", evt.EventType, "subscribers", n)

	writeJSON(w, http.StatusOK, inboundResponse{
		Status:    "received",
		EventType: string(evt.EventType),
		Result:    inboundResult{Delivery: "queued", Subscribers: n},
		Ack:       true,
		Security:  verdict,
	})
}

func (s *Server) tokenGate(r *http.Request) (*auth.Claims, error) {
	tok, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return s.Tokens.Verify(tok)
}

// inboundSecret picks the verification secret: the registered partner named
// by the source header, else this service's own signing secret (gateways and
// sibling services).
func (s *Server) inboundSecret(r *http.Request, source string) (secret, partnerID string) {
	if source != "" {
		p, err := s.Partners.Lookup(r.Context(), source)
		if err == nil {
			return p.SharedSecret, p.ID
		}
		if !errors.Is(err, partners.ErrUnknownPartner) {
			s.Log.ErrorContext(r.Context(), "partner lookup failed", "source", source, "error", err)
		}
	}
	return s.Config.Webhooks.SigningSecret, ""
}

func gateFailure(tokenErr error, sig string, sigOK bool) string {
	var parts []string
	if tokenErr != nil {
		parts = append(parts, "token: "+tokenErr.Error())
	}
	if !sigOK {
		if sig == "" {
			parts = append(parts, "signature: missing "+webhooks.HeaderSignature)
		} else {
			parts = append(parts, "signature: "+webhooks.ErrInvalidSignature.Error())
		}
	}
	return strings.Join(parts, "; ")
}

func clientAddr(r *http.Request) string {
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

func intPtr(v int) *int { return &v }
