package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourhooks/internal/logging"
	"tourhooks/internal/model"
	"tourhooks/internal/partners"
	"tourhooks/internal/store"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	all := b.Subscribe(model.LogFilter{})
	outbound := b.Subscribe(model.LogFilter{Direction: model.Outbound})

	b.Publish(model.WebhookLog{ID: "l1", Direction: model.Inbound, EventType: "order.created"})
	b.Publish(model.WebhookLog{ID: "l2", Direction: model.Outbound, EventType: "order.created"})

	assert.Equal(t, "l1", recv(t, all).ID)
	assert.Equal(t, "l2", recv(t, all).ID)
	assert.Equal(t, "l2", recv(t, outbound).ID)

	b.Unsubscribe(all)
	_, ok := <-all
	assert.False(t, ok, "channel should be closed after unsubscribe")
	b.Unsubscribe(all) // second call is a no-op

	require.NoError(t, b.Close())
	_, ok = <-outbound
	assert.False(t, ok)
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(model.LogFilter{})
	for i := 0; i < 100; i++ {
		b.Publish(model.WebhookLog{ID: "x"})
	}
	assert.Len(t, ch, cap(ch))
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	b, err := NewRedisBroker(ctx, "redis://"+mr.Addr(), "test:feed", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ch := b.Subscribe(model.LogFilter{EventType: "booking.confirmed"})
	b.Publish(model.WebhookLog{ID: "skip", Direction: model.Outbound, EventType: "order.created"})
	b.Publish(model.WebhookLog{ID: "keep", Direction: model.Outbound, EventType: "booking.confirmed", PartnerID: "p1"})

	got := recv(t, ch)
	assert.Equal(t, "keep", got.ID)
	assert.Equal(t, "p1", got.PartnerID)

	b.Unsubscribe(ch)
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestRedisBrokerBadURL(t *testing.T) {
	_, err := NewRedisBroker(context.Background(), "not a url", "", nil)
	assert.Error(t, err)
}

func recv(t *testing.T, ch chan model.WebhookLog) model.WebhookLog {
	t.Helper()
	select {
	case row, ok := <-ch:
		require.True(t, ok, "channel closed")
		return row
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for row")
	}
	return model.WebhookLog{}
}

// stallBroker blocks every Publish until release is closed.
type stallBroker struct {
	release chan struct{}
	mu      sync.Mutex
	got     int
}

func newStallBroker() *stallBroker { return &stallBroker{release: make(chan struct{})} }

func (b *stallBroker) Subscribe(model.LogFilter) chan model.WebhookLog { return make(chan model.WebhookLog) }
func (b *stallBroker) Unsubscribe(chan model.WebhookLog)               {}
func (b *stallBroker) Close() error                                    { return nil }

func (b *stallBroker) Publish(model.WebhookLog) {
	<-b.release
	b.mu.Lock()
	b.got++
	b.mu.Unlock()
}

func TestFeedPumpNeverBlocks(t *testing.T) {
	sb := newStallBroker()
	p := newFeedPump(sb, logging.Discard())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*feedBuffer; i++ {
			p.Publish(model.WebhookLog{ID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled broker")
	}

	close(sb.release)
	require.NoError(t, p.Close(context.Background()))
	sb.mu.Lock()
	defer sb.mu.Unlock()
	assert.Positive(t, sb.got)
	assert.LessOrEqual(t, sb.got, feedBuffer+1)

	// publishing after Close is a no-op
	p.Publish(model.WebhookLog{ID: "late"})
}

func TestStalledFeedKeepsAllDeliveryAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.Webhooks.RetryBound = 2
	sb := newStallBroker()
	mem := store.NewMemory()
	srv, err := NewServer(cfg, mem, sb, logging.Discard(), nil)
	require.NoError(t, err)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	ctx := context.Background()
	p, err := srv.Partners.Register(ctx, partners.RegisterRequest{
		Name: "flaky", WebhookURL: failing.URL, SubscribedEvents: []string{"booking.confirmed"},
	})
	require.NoError(t, err)
	evt, err := model.NewEvent(model.EventBookingConfirmed, "reservations", time.Time{}, map[string]any{"booking_id": "b1"})
	require.NoError(t, err)
	n, err := srv.Dispatcher.Dispatch(ctx, evt)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waited := make(chan struct{})
	go func() {
		srv.Dispatcher.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery stalled behind the live feed")
	}

	rows, _, err := mem.ListWebhookLogs(ctx, model.LogFilter{Direction: model.Outbound, PartnerID: p.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	for _, r := range rows {
		assert.False(t, r.Success)
	}

	close(sb.release)
	require.NoError(t, srv.Close(ctx))
}
