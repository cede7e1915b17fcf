package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"tourhooks/internal/model"
)

type paymentResponse struct {
	Provider string `json:"provider"`
	model.PaymentResult
}

// CreatePaymentHandler handles POST /v1/payments.
func (s *Server) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req model.PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := s.validate.Struct(req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid payment request", err.Error(), r.URL.Path)
		return
	}
	a, err := s.Normalizer.Adapter(req.Provider)
	if err != nil {
		s.writeError(w, r, "Create payment failed", err)
		return
	}
	res, err := a.CreatePayment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, "Create payment failed", err)
		return
	}
	s.flagForReview(r, a.Name(), res)
	writeJSON(w, http.StatusCreated, paymentResponse{Provider: a.Name(), PaymentResult: res})
}

// PaymentStatusHandler handles GET /v1/payments/{provider}/{id}.
func (s *Server) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.Normalizer.Adapter(r.PathValue("provider"))
	if err != nil {
		s.writeError(w, r, "Payment status failed", err)
		return
	}
	res, err := a.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "Payment status failed", err)
		return
	}
	s.flagForReview(r, a.Name(), res)
	writeJSON(w, http.StatusOK, paymentResponse{Provider: a.Name(), PaymentResult: res})
}

// RefundHandler handles POST /v1/payments/{provider}/{id}/refund. An empty
// body or a missing amount refunds the full charge.
func (s *Server) RefundHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount *float64 `json:"amount" validate:"omitempty,gt=0"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid refund request", err.Error(), r.URL.Path)
		return
	}
	a, err := s.Normalizer.Adapter(r.PathValue("provider"))
	if err != nil {
		s.writeError(w, r, "Refund failed", err)
		return
	}
	id := r.PathValue("id")
	ok, err := a.Refund(r.Context(), id, req.Amount)
	if err != nil {
		s.writeError(w, r, "Refund failed", err)
		return
	}
	s.Log.InfoContext(r.Context(), "refund requested", "provider", a.Name(), "external_id", id, "refunded", ok)
	writeJSON(w, http.StatusOK, map[string]any{"provider": a.Name(), "external_id": id, "refunded": ok})
}

// flagForReview appends an audit row when a gateway status had no canonical
// mapping, so the fallback to pending is visible to operators.
func (s *Server) flagForReview(r *http.Request, provider string, res model.PaymentResult) {
	if !res.NeedsReview {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"provider":      provider,
		"external_id":   res.ExternalID,
		"native_status": res.NativeStatus,
		"status":        res.Status,
	})
	s.Log.WarnContext(r.Context(), "unmapped gateway status", "provider", provider,
		"external_id", res.ExternalID, "native_status", res.NativeStatus)
	s.appendLog(context.WithoutCancel(r.Context()), model.WebhookLog{
		Direction:     model.Inbound,
		EventType:     string(model.UnknownEvent("status." + res.NativeStatus)),
		URL:           r.URL.Path,
		Payload:       payload,
		TokenVerified: true,
		HTTPStatus:    intPtr(http.StatusOK),
		Success:       true,
		ErrorMessage:  "unmapped native status " + res.NativeStatus + " treated as pending",
		NeedsReview:   true,
	})
}
