package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tourhooks/internal/logging"
	"tourhooks/internal/model"
	"tourhooks/internal/store"
)

// RedisBroker implements FeedBroker over Redis Pub/Sub so every replica's
// rows reach every replica's feed subscribers.
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	log     *logging.Logger

	mu   sync.Mutex
	subs map[chan model.WebhookLog]*redis.PubSub
}

func NewRedisBroker(ctx context.Context, url, channel string, log *logging.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	if channel == "" {
		channel = "tourhooks:webhook-logs"
	}
	if log == nil {
		log = logging.Default()
	}
	return &RedisBroker{rdb: rdb, channel: channel, log: log, subs: map[chan model.WebhookLog]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(f model.LogFilter) chan model.WebhookLog {
	ch := make(chan model.WebhookLog, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel)
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis feed subscribe failed", "error", err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var row model.WebhookLog
			if err := json.Unmarshal([]byte(msg.Payload), &row); err != nil || !store.MatchLog(row, f) {
				continue
			}
			select {
			case ch <- row:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub connection; ch is closed once its reader
// goroutine drains.
func (b *RedisBroker) Unsubscribe(ch chan model.WebhookLog) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(row model.WebhookLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.log.Warn("redis feed publish failed", "log_id", row.ID, "error", err)
	}
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for ch, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	return b.rdb.Close()
}
