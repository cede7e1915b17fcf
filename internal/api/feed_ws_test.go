package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourhooks/internal/model"
)

func dialFeed(t *testing.T, env *testEnv, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/admin/webhook-logs/ws"
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(u, hdr)
}

func readMsg(t *testing.T, c *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m wsMessage
	require.NoError(t, c.ReadJSON(&m))
	return m
}

func TestFeedWSStreamsRows(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := dialFeed(t, env, env.admin(t))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteJSON(wsMessage{Type: "connection_init"}))
	assert.Equal(t, "connection_ack", readMsg(t, c).Type)

	require.NoError(t, c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"direction":"inbound"}`)}))
	require.NoError(t, c.WriteJSON(wsMessage{Type: "ping"}))
	// pong confirms the subscribe was processed before publishing
	assert.Equal(t, "pong", readMsg(t, c).Type)

	ctx := context.Background()
	env.srv.appendLog(ctx, model.WebhookLog{Direction: model.Outbound, EventType: "order.created", Payload: []byte(`{}`)})
	env.srv.appendLog(ctx, model.WebhookLog{Direction: model.Inbound, EventType: "booking.confirmed", Payload: []byte(`{"secret":"no"}`)})

	m := readMsg(t, c)
	require.Equal(t, "next", m.Type)
	assert.Equal(t, "1", m.ID)
	var row model.WebhookLog
	require.NoError(t, json.Unmarshal(m.Payload, &row))
	assert.Equal(t, "booking.confirmed", row.EventType)
	assert.Empty(t, row.Payload)

	require.NoError(t, c.WriteJSON(wsMessage{Type: "complete", ID: "1"}))
	assert.Equal(t, "complete", readMsg(t, c).Type)
}

func TestFeedWSRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, resp, err := dialFeed(t, env, env.service(t))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dialFeed(t, env, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFeedWSSubscribeBeforeInit(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := dialFeed(t, env, env.admin(t))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.WriteJSON(wsMessage{Type: "subscribe", ID: "1"}))
	m := readMsg(t, c)
	assert.Equal(t, "error", m.Type)
	assert.Contains(t, string(m.Payload), "connection_init")
}
