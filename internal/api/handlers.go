package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tourhooks/internal/auth"
	"tourhooks/internal/model"
	"tourhooks/internal/partners"
)

// TokenHandler handles POST /v1/tokens (client credentials).
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	g, err := s.Creds.Exchange(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			s.Log.WarnContext(r.Context(), "token exchange rejected", "client_id", req.ClientID)
		}
		s.writeError(w, r, "Token exchange failed", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// partnerWithSecret is only returned by register and regenerate.
type partnerWithSecret struct {
	model.Partner
	SharedSecret string `json:"shared_secret"`
}

func (s *Server) RegisterPartnerHandler(w http.ResponseWriter, r *http.Request) {
	var req partners.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	p, err := s.Partners.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, "Register partner failed", err)
		return
	}
	s.Log.InfoContext(r.Context(), "partner registered", "partner_id", p.ID, "name", p.Name,
		"by", principalFrom(r.Context()).Subject)
	w.Header().Set("Location", "/v1/partners/"+p.ID)
	writeJSON(w, http.StatusCreated, partnerWithSecret{Partner: p, SharedSecret: p.SharedSecret})
}

func (s *Server) ListPartnersHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	items, err := s.Partners.List(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, "List partners failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetPartnerHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.Partners.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "Get partner failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) UpdatePartnerHandler(w http.ResponseWriter, r *http.Request) {
	var req partners.UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	p, err := s.Partners.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, "Update partner failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeactivatePartnerHandler soft-deletes; repeating it is not an error.
func (s *Server) DeactivatePartnerHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	changed, err := s.Partners.Deactivate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "Deactivate partner failed", err)
		return
	}
	if changed {
		s.Log.InfoContext(r.Context(), "partner deactivated", "partner_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deactivated": changed})
}

func (s *Server) RegenerateSecretHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	secret, err := s.Partners.RegenerateSecret(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "Regenerate secret failed", err)
		return
	}
	s.Log.InfoContext(r.Context(), "partner secret regenerated", "partner_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "shared_secret": secret})
}

type originateRequest struct {
	EventType     string         `json:"event_type" validate:"required"`
	OccurredAt    *time.Time     `json:"occurred_at"`
	SourceService string         `json:"source_service" validate:"max=100"`
	Data          map[string]any `json:"data"`
	PartnerIDs    []string       `json:"partner_ids" validate:"omitempty,dive,required"`
}

// EventsHandler handles POST /v1/events: internal services originate a
// canonical event and get 202 as soon as it is handed to the dispatcher.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, "Invalid event", invalidBody(err))
		return
	}
	t, err := model.ParseEventType(req.EventType)
	if err != nil {
		s.writeError(w, r, "Invalid event", err)
		return
	}
	if err := model.ValidateData(t, req.Data); err != nil {
		s.writeError(w, r, "Invalid event", err)
		return
	}
	source := strings.TrimSpace(req.SourceService)
	if source == "" {
		source = principalFrom(r.Context()).Subject
	}
	var at time.Time
	if req.OccurredAt != nil {
		at = *req.OccurredAt
	}
	evt, err := model.NewEvent(t, source, at, req.Data)
	if err != nil {
		s.writeError(w, r, "Invalid event", err)
		return
	}
	n, err := s.Dispatcher.Dispatch(r.Context(), evt, req.PartnerIDs...)
	if err != nil {
		s.writeError(w, r, "Dispatch failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"event_type":  evt.EventType,
		"subscribers": n,
	})
}

func (s *Server) WebhookLogsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.LogFilter{
		Direction: model.Direction(q.Get("direction")),
		PartnerID: q.Get("partner_id"),
		EventType: q.Get("event_type"),
		Cursor:    q.Get("cursor"),
	}
	switch f.Direction {
	case "", model.Inbound, model.Outbound:
	default:
		writeProblem(w, http.StatusBadRequest, "Invalid filter", "direction must be inbound or outbound", r.URL.Path)
		return
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid filter", "success must be a boolean", r.URL.Path)
			return
		}
		f.Success = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid filter", "limit must be an integer", r.URL.Path)
			return
		}
		f.Limit = n
	}
	items, next, err := s.Store.ListWebhookLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, "List webhook logs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// RedeliverHandler re-sends an outbound row's payload; the original row is
// left untouched and new attempts get new rows.
func (s *Server) RedeliverHandler(w http.ResponseWriter, r *http.Request) {
	row, err := s.Dispatcher.Redeliver(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "Redeliver failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "queued",
		"log_id":     row.ID,
		"partner_id": row.PartnerID,
		"event_type": row.EventType,
	})
}
