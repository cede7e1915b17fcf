package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourhooks/internal/config"
	"tourhooks/internal/model"
	"tourhooks/internal/webhooks"
)

const bookingBody = `{"event_type":"booking.confirmed","timestamp":"2026-05-01T09:00:00Z","data":{"booking_id":"b1"}}`

func signedHeaders(source, body, secret string) http.Header {
	h := http.Header{}
	h.Set(webhooks.HeaderSource, source)
	h.Set(webhooks.HeaderSignature, webhooks.Sign([]byte(body), secret))
	return h
}

func TestInboundValidTokenBadSignature(t *testing.T) {
	env := newTestEnv(t)
	sender := env.registerPartner(t, "echo-partner", "http://127.0.0.1:1/hook", "payment.success")

	hdr := signedHeaders(sender.ID, bookingBody, sender.SharedSecret)
	hdr.Set(webhooks.HeaderSignature, strings.Repeat("ab", 32))
	status, body := env.do(t, http.MethodPost, "/webhooks/partner", env.token(t, sender.ID, "partner"), []byte(bookingBody), hdr)

	require.Equal(t, http.StatusUnauthorized, status)
	p := decode[Problem](t, body)
	assert.Equal(t, http.StatusUnauthorized, p.HTTPStatus)
	assert.Contains(t, p.ErrorMessage, "signature")
	require.NotNil(t, p.Security)
	assert.True(t, p.Security.JWTValidated)
	assert.False(t, p.Security.HMACValidated)
	assert.NotContains(t, string(body), sender.SharedSecret)

	rows := env.logs(t, model.LogFilter{Direction: model.Inbound})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TokenVerified)
	assert.False(t, rows[0].SignatureVerified)
	assert.False(t, rows[0].Success)
	require.NotNil(t, rows[0].HTTPStatus)
	assert.Equal(t, http.StatusUnauthorized, *rows[0].HTTPStatus)
	assert.Equal(t, sender.ID, rows[0].PartnerID)

	// nothing reached the delivery engine
	assert.Empty(t, env.logs(t, model.LogFilter{Direction: model.Outbound}))
}

func TestInboundMissingTokenStillChecksSignature(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodPost, "/webhooks/partner", "", []byte(bookingBody),
		signedHeaders("sibling-service", bookingBody, testSigningSecret))

	require.Equal(t, http.StatusUnauthorized, status)
	p := decode[Problem](t, body)
	assert.False(t, p.Security.JWTValidated)
	assert.True(t, p.Security.HMACValidated)

	rows := env.logs(t, model.LogFilter{Direction: model.Inbound})
	require.Len(t, rows, 1)
	assert.False(t, rows[0].TokenVerified)
	assert.True(t, rows[0].SignatureVerified)
}

func TestInboundAcceptedAndFannedOut(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var got [][]byte
	var sigs []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, b)
		sigs = append(sigs, r.Header.Get(webhooks.HeaderSignature))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()
	sub := env.registerPartner(t, "hotel", receiver.URL, "booking.confirmed")
	env.registerPartner(t, "shop", receiver.URL+"/other", "order.created")
	sender := env.registerPartner(t, "agency", "http://127.0.0.1:1/agency", "payment.success")

	status, body := env.do(t, http.MethodPost, "/webhooks/partner", env.token(t, sender.ID, "partner"), []byte(bookingBody),
		signedHeaders("agency", bookingBody, sender.SharedSecret))
	require.Equal(t, http.StatusOK, status, string(body))

	resp := decode[inboundResponse](t, body)
	assert.Equal(t, "received", resp.Status)
	assert.Equal(t, "booking.confirmed", resp.EventType)
	assert.True(t, resp.Ack)
	assert.Equal(t, inboundResult{Delivery: "queued", Subscribers: 1}, resp.Result)
	assert.Equal(t, securityVerdict{JWTValidated: true, HMACValidated: true}, resp.Security)

	env.srv.Dispatcher.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.True(t, webhooks.Verify(got[0], sigs[0], sub.SharedSecret))
	assert.Contains(t, string(got[0]), `"source_service":"agency"`)

	in := env.logs(t, model.LogFilter{Direction: model.Inbound})
	require.Len(t, in, 1)
	assert.True(t, in[0].Success)
	assert.True(t, in[0].TokenVerified)
	assert.True(t, in[0].SignatureVerified)
	assert.Equal(t, "booking.confirmed", in[0].EventType)

	out := env.logs(t, model.LogFilter{Direction: model.Outbound})
	require.Len(t, out, 1)
	assert.Equal(t, sub.ID, out[0].PartnerID)
	assert.True(t, out[0].Success)
}

func TestInboundGatewayCallback(t *testing.T) {
	env := newTestEnv(t)
	raw := `{"event":"chargeback.opened","payment_id":"mock_1","amount":12.5,"currency":"eur","occurred_at":"2026-05-01T09:00:00Z"}`
	status, body := env.do(t, http.MethodPost, "/webhooks/partner/mockpay", env.service(t), []byte(raw),
		signedHeaders("mockpay", raw, testSigningSecret))
	require.Equal(t, http.StatusOK, status, string(body))

	resp := decode[inboundResponse](t, body)
	assert.Equal(t, "unknown.chargeback.opened", resp.EventType)
	assert.Equal(t, 0, resp.Result.Subscribers)

	rows := env.logs(t, model.LogFilter{Direction: model.Inbound})
	require.Len(t, rows, 1)
	assert.True(t, rows[0].NeedsReview)
	assert.Empty(t, rows[0].PartnerID)

	// provider from header instead of the path
	raw = `{"event":"payment.success","payment_id":"mock_2","occurred_at":"2026-05-01T09:00:00Z"}`
	hdr := signedHeaders("mockpay", raw, testSigningSecret)
	hdr.Set(webhooks.HeaderProvider, "MockPay")
	status, body = env.do(t, http.MethodPost, "/webhooks/partner", env.service(t), []byte(raw), hdr)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "payment.success", decode[inboundResponse](t, body).EventType)
}

func TestInboundRejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name, path, body string
	}{
		{"unknown provider", "/webhooks/partner/paypalish", `{"event":"x"}`},
		{"malformed callback", "/webhooks/partner/mockpay", `{"event":`},
		{"unknown event type", "/webhooks/partner", `{"event_type":"order.shipped","source_service":"shop"}`},
		{"missing event type", "/webhooks/partner", `{"data":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tc.path, env.service(t), []byte(tc.body),
				signedHeaders("shop", tc.body, testSigningSecret))
			assert.Equal(t, http.StatusBadRequest, status, string(body))
			assert.Equal(t, http.StatusBadRequest, decode[Problem](t, body).HTTPStatus)
		})
	}
	rows := env.logs(t, model.LogFilter{Direction: model.Inbound})
	require.Len(t, rows, len(cases))
	for _, r := range rows {
		assert.True(t, r.TokenVerified)
		assert.True(t, r.SignatureVerified)
		assert.False(t, r.Success)
	}
}

func TestInboundRateLimitedPerCaller(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.RateRPS = 0.001
		c.Server.RateBurst = 2
	})
	send := func(token string) int {
		status, _ := env.do(t, http.MethodPost, "/webhooks/partner", token, []byte(bookingBody),
			signedHeaders("reservations", bookingBody, testSigningSecret))
		return status
	}
	svc := env.service(t)
	assert.Equal(t, http.StatusOK, send(svc))
	assert.Equal(t, http.StatusOK, send(svc))
	assert.Equal(t, http.StatusTooManyRequests, send(svc))
	assert.Equal(t, http.StatusOK, send(env.token(t, "billing", "service")))
	env.srv.Dispatcher.Wait()

	limited := env.logs(t, model.LogFilter{Direction: model.Inbound, Success: new(bool)})
	require.Len(t, limited, 1)
	require.NotNil(t, limited[0].HTTPStatus)
	assert.Equal(t, http.StatusTooManyRequests, *limited[0].HTTPStatus)
	assert.True(t, limited[0].TokenVerified)
	assert.Len(t, env.logs(t, model.LogFilter{Direction: model.Inbound}), 4)
}

func TestInboundForgedSourceDoesNotSpendPartnerBucket(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Server.RateRPS = 0.001
		c.Server.RateBurst = 2
	})
	victim := env.registerPartner(t, "agency", "http://127.0.0.1:1/agency", "payment.success")

	junk := signedHeaders(victim.ID, bookingBody, victim.SharedSecret)
	junk.Set(webhooks.HeaderSignature, strings.Repeat("00", 32))
	for i := 0; i < 3; i++ {
		status, _ := env.do(t, http.MethodPost, "/webhooks/partner", "", []byte(bookingBody), junk)
		assert.Contains(t, []int{http.StatusUnauthorized, http.StatusTooManyRequests}, status)
	}

	status, body := env.do(t, http.MethodPost, "/webhooks/partner", env.token(t, victim.ID, "partner"), []byte(bookingBody),
		signedHeaders(victim.ID, bookingBody, victim.SharedSecret))
	assert.Equal(t, http.StatusOK, status, string(body))
	env.srv.Dispatcher.Wait()
}

func TestInboundOversizedBodyIsAudited(t *testing.T) {
	env := newTestEnv(t)
	big := []byte(`{"event_type":"booking.confirmed","data":{"pad":"` + strings.Repeat("x", maxInboundBody) + `"}}`)
	status, body := env.do(t, http.MethodPost, "/webhooks/partner", env.service(t), big,
		signedHeaders("reservations", string(big), testSigningSecret))
	require.Equal(t, http.StatusRequestEntityTooLarge, status, string(body))

	rows := env.logs(t, model.LogFilter{Direction: model.Inbound})
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].HTTPStatus)
	assert.Equal(t, http.StatusRequestEntityTooLarge, *rows[0].HTTPStatus)
	assert.False(t, rows[0].Success)
	assert.Empty(t, rows[0].Payload)
}

func TestInboundAfterSecretRotation(t *testing.T) {
	env := newTestEnv(t)
	sender := env.registerPartner(t, "agency", "http://127.0.0.1:1/agency", "payment.success")
	tok := env.token(t, sender.ID, "partner")
	newSecret, err := env.srv.Partners.RegenerateSecret(context.Background(), sender.ID)
	require.NoError(t, err)

	status, _ := env.do(t, http.MethodPost, "/webhooks/partner", tok, []byte(bookingBody),
		signedHeaders(sender.ID, bookingBody, sender.SharedSecret))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/webhooks/partner", tok, []byte(bookingBody),
		signedHeaders(sender.ID, bookingBody, newSecret))
	assert.Equal(t, http.StatusOK, status)
}
