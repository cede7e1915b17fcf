// Package main tails the live audit feed and originates one demo event.
//
//	TOURHOOKS_ADMIN_KEY=... go run ./scripts
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	key := os.Getenv("TOURHOOKS_ADMIN_KEY")
	if key == "" {
		log.Fatal("TOURHOOKS_ADMIN_KEY is required")
	}

	// Exchange the admin service key for a token
	body, _ := json.Marshal(map[string]string{"client_id": "admin", "client_secret": key})
	resp, err := http.Post(base+"/v1/tokens", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	var grant struct {
		AccessToken string `json:"access_token"`
	}
	err = json.NewDecoder(resp.Body).Decode(&grant)
	_ = resp.Body.Close()
	if err != nil || grant.AccessToken == "" {
		log.Fatalf("token exchange failed: status %d", resp.StatusCode)
	}

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/admin/webhook-logs/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+grant.AccessToken)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{}`)}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Originate an event so the feed has something to show
	time.Sleep(500 * time.Millisecond)
	evt := []byte(`{"event_type":"booking.confirmed","data":{"booking_id":"demo-1"}}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/events", bytes.NewReader(evt))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+grant.AccessToken)
	if r, err := http.DefaultClient.Do(req); err == nil {
		log.Printf("POST /v1/events -> %d", r.StatusCode)
		_ = r.Body.Close()
	}

	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
}
