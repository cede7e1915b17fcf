package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"tourhooks/internal/auth"
	"tourhooks/internal/integrations"
	"tourhooks/internal/model"
	"tourhooks/internal/partners"
	"tourhooks/internal/store"
	"tourhooks/internal/webhooks"
)

const maxJSONBody = 1 << 20

// Problem represents an RFC7807 problem details response body. ErrorMessage
// and HTTPStatus repeat Detail and Status for callers that only look for
// those two members.
type Problem struct {
	Type         string           `json:"type"`
	Title        string           `json:"title"`
	Status       int              `json:"status"`
	Detail       string           `json:"detail,omitempty"`
	Instance     string           `json:"instance,omitempty"`
	ErrorMessage string           `json:"error_message"`
	HTTPStatus   int              `json:"http_status"`
	Security     *securityVerdict `json:"security,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeBody(w, "application/json", status, v)
}

func writeBody(w http.ResponseWriter, contentType string, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemDoc(w, newProblem(status, title, detail, instance))
}

func writeProblemDoc(w http.ResponseWriter, p Problem) {
	writeBody(w, "application/problem+json", p.Status, p)
}

func newProblem(status int, title, detail, instance string) Problem {
	msg := detail
	if msg == "" {
		msg = title
	}
	return Problem{
		Type:         "about:blank",
		Title:        title,
		Status:       status,
		Detail:       detail,
		Instance:     instance,
		ErrorMessage: msg,
		HTTPStatus:   status,
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

// writeError maps domain errors to a status. Unclassified errors are logged
// and answered with a generic detail so internals never reach the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	status := statusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.Log.ErrorContext(r.Context(), title, "path", r.URL.Path, "error", err)
		detail = "internal error"
	}
	writeProblem(w, status, title, detail, r.URL.Path)
}

func statusFor(err error) int {
	var gwErr *integrations.GatewayError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, integrations.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateWebhookURL),
		errors.Is(err, webhooks.ErrNotRedeliverable):
		return http.StatusConflict
	case errors.Is(err, partners.ErrInvalidPartner),
		errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, model.ErrUnknownEventType),
		errors.Is(err, integrations.ErrUnknownProvider),
		errors.Is(err, integrations.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return http.StatusUnauthorized
	case errors.Is(err, webhooks.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &gwErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func invalidBody(err error) error {
	return fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
}
