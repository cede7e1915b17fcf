package api

import (
	"context"
	"errors"
	"net/http"

	"tourhooks/internal/auth"
)

type principalKey struct{}

// principal verifies the bearer token on r. The WebSocket feed may carry the
// token in access_token since browsers cannot set headers on upgrades.
func (s *Server) principal(r *http.Request) (auth.Principal, error) {
	tok, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		tok = r.URL.Query().Get("access_token")
	}
	if tok == "" {
		return auth.Principal{}, errors.New("missing bearer token")
	}
	return s.Tokens.Principal(tok)
}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

func (s *Server) requireRole(allowed func(auth.Principal) bool, need string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.principal(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tourhooks"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		if !allowed(p) {
			writeProblem(w, http.StatusForbidden, "Forbidden", need+" required", r.URL.Path)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireRole(auth.Principal.IsAdmin, "admin", next)
}

// requireOriginator admits internal services and admins.
func (s *Server) requireOriginator(next http.HandlerFunc) http.HandlerFunc {
	return s.requireRole(auth.Principal.CanOriginate, "service or admin", next)
}
