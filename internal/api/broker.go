package api

import (
	"context"
	"sync"

	"tourhooks/internal/logging"
	"tourhooks/internal/model"
	"tourhooks/internal/store"
)

// FeedBroker fans audit rows out to live feed subscribers.
type FeedBroker interface {
	Subscribe(f model.LogFilter) chan model.WebhookLog
	Unsubscribe(ch chan model.WebhookLog)
	Publish(row model.WebhookLog)
	Close() error
}

// Broker is the in-process FeedBroker. Slow subscribers miss rows rather
// than block the writer.
type Broker struct {
	mu   sync.Mutex
	subs map[chan model.WebhookLog]model.LogFilter
}

func NewBroker() *Broker {
	return &Broker{subs: map[chan model.WebhookLog]model.LogFilter{}}
}

func (b *Broker) Subscribe(f model.LogFilter) chan model.WebhookLog {
	ch := make(chan model.WebhookLog, 16)
	b.mu.Lock()
	b.subs[ch] = f
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(ch chan model.WebhookLog) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broker) Publish(row model.WebhookLog) {
	b.mu.Lock()
	for ch, f := range b.subs {
		if !store.MatchLog(row, f) {
			continue
		}
		select {
		case ch <- row:
		default:
		}
	}
	b.mu.Unlock()
}

// Close drops every subscriber.
func (b *Broker) Close() error {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
	return nil
}

// feedPump hands rows to a FeedBroker from its own goroutine so a slow
// broker (Redis down, publish timing out) never stalls the caller. Rows
// that do not fit the buffer are dropped; the store keeps them anyway.
type feedPump struct {
	broker FeedBroker
	log    *logging.Logger

	mu     sync.RWMutex
	closed bool
	rows   chan model.WebhookLog
	done   chan struct{}
}

const feedBuffer = 256

func newFeedPump(b FeedBroker, log *logging.Logger) *feedPump {
	p := &feedPump{broker: b, log: log, rows: make(chan model.WebhookLog, feedBuffer), done: make(chan struct{})}
	go p.run()
	return p
}

func (p *feedPump) run() {
	defer close(p.done)
	for row := range p.rows {
		p.broker.Publish(row)
	}
}

// Publish never blocks.
func (p *feedPump) Publish(row model.WebhookLog) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.rows <- row:
	default:
		p.log.Warn("live feed buffer full, row not published", "log_id", row.ID)
	}
}

// Close stops accepting rows and waits until the buffered ones reached the
// broker or ctx is done.
func (p *feedPump) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.rows)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
