package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tourhooks/internal/auth"
	"tourhooks/internal/config"
	"tourhooks/internal/integrations"
	"tourhooks/internal/integrations/mockpay"
	"tourhooks/internal/logging"
	"tourhooks/internal/model"
	"tourhooks/internal/partners"
	"tourhooks/internal/store"
)

const (
	testTokenSecret   = "api-test-token-secret-0123"
	testSigningSecret = "own-signing-secret"
)

type testEnv struct {
	srv   *Server
	store *store.Memory
	http  *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			TokenSecret: testTokenSecret,
			TokenTTL:    time.Minute,
			Issuer:      "tourhooks",
			ServiceKeys: map[string]string{"admin": "admin-key", "reservations": "svc-key"},
		},
		Webhooks: config.WebhooksConfig{
			SourceService:   "tourhooks",
			SigningSecret:   testSigningSecret,
			RetryBound:      1,
			AttemptTimeout:  200 * time.Millisecond,
			DeliveryTimeout: 2 * time.Second,
			BackoffBase:     time.Millisecond,
			BackoffMax:      2 * time.Millisecond,
		},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	mem := store.NewMemory()
	s, err := NewServer(cfg, mem, nil, logging.Discard(), integrations.NewNormalizer(mockpay.New()))
	require.NoError(t, err)
	hs := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		hs.Close()
		_ = s.Close(context.Background())
	})
	return &testEnv{srv: s, store: mem, http: hs}
}

func (e *testEnv) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, _, err := e.srv.Tokens.Issue(subject, role, nil)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) admin(t *testing.T) string { return e.token(t, "ops", auth.RoleAdmin) }

func (e *testEnv) service(t *testing.T) string {
	return e.token(t, "reservations", auth.RoleService)
}

// do sends body (raw []byte or JSON-encoded value) and returns status and
// response body.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, hdr http.Header) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *testEnv) registerPartner(t *testing.T, name, url string, events ...string) model.Partner {
	t.Helper()
	p, err := e.srv.Partners.Register(context.Background(), partners.RegisterRequest{Name: name, WebhookURL: url, SubscribedEvents: events})
	require.NoError(t, err)
	return p
}

func (e *testEnv) logs(t *testing.T, f model.LogFilter) []model.WebhookLog {
	t.Helper()
	rows, _, err := e.store.ListWebhookLogs(context.Background(), f)
	require.NoError(t, err)
	return rows
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}
