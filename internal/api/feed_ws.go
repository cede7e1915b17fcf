package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tourhooks/internal/model"
)

// Live audit feed over WebSocket. Messages follow the
// connection_init/subscribe/next/complete shape of graphql-transport-ws so
// existing tooling can tail it.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	feedReadTimeout = 60 * time.Second
	feedPingEvery   = 20 * time.Second
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// feedFilter is the subscribe payload.
type feedFilter struct {
	Direction string `json:"direction"`
	PartnerID string `json:"partner_id"`
	EventType string `json:"event_type"`
	Success   *bool  `json:"success"`
}

func (f feedFilter) logFilter() model.LogFilter {
	return model.LogFilter{
		Direction: model.Direction(f.Direction),
		PartnerID: f.PartnerID,
		EventType: f.EventType,
		Success:   f.Success,
	}
}

// FeedWSHandler handles /v1/admin/webhook-logs/ws
func (s *Server) FeedWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// gorilla allows one concurrent writer
	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	subs := map[string]chan model.WebhookLog{}
	var fanout sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		for id, ch := range subs {
			s.Broker.Unsubscribe(ch)
			delete(subs, id)
		}
		fanout.Wait()
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(feedReadTimeout)) })

	initialized := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		switch msg.Type {
		case "connection_init":
			if initialized {
				continue
			}
			initialized = true
			_ = write(wsMessage{Type: "connection_ack"})
			fanout.Add(1)
			go func() {
				defer fanout.Done()
				ticker := time.NewTicker(feedPingEvery)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if !initialized {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"connection_init required"}`)})
				continue
			}
			if _, dup := subs[msg.ID]; dup || msg.ID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"subscription id must be unique"}`)})
				continue
			}
			var f feedFilter
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &f); err != nil {
					_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"invalid filter"}`)})
					continue
				}
			}
			ch := s.Broker.Subscribe(f.logFilter())
			subs[msg.ID] = ch
			fanout.Add(1)
			go func(id string, c chan model.WebhookLog) {
				defer fanout.Done()
				for row := range c {
					// payload bodies stay in the query API
					row.Payload = nil
					b, err := json.Marshal(row)
					if err != nil {
						continue
					}
					if err := write(wsMessage{Type: "next", ID: id, Payload: b}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if ch, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(ch)
				delete(subs, msg.ID)
			}
		}
	}
}
