package webhooks

import (
	"context"
	"errors"
	"fmt"

	"tourhooks/internal/model"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrNotRedeliverable = errors.New("log row cannot be redelivered")
)

// Dispatch resolves the partner set now and delivers in the background. It
// returns the number of partners the event was handed to; callers never wait
// on partner responses.
func (d *Dispatcher) Dispatch(ctx context.Context, evt model.CanonicalEvent, partnerIDs ...string) (int, error) {
	targets, err := d.resolve(ctx, evt.EventType, partnerIDs)
	if err != nil {
		return 0, err
	}
	body, err := EncodeEvent(evt)
	if err != nil {
		return 0, err
	}
	return len(targets), d.background(ctx, string(evt.EventType), body, targets)
}

// Redeliver re-sends the payload of an outbound row to its partner using the
// partner's current URL and secret. New attempts get new rows.
func (d *Dispatcher) Redeliver(ctx context.Context, logID string) (model.WebhookLog, error) {
	row, err := d.Logs.GetWebhookLog(ctx, logID)
	if err != nil {
		return model.WebhookLog{}, err
	}
	if row.Direction != model.Outbound || row.PartnerID == "" || len(row.Payload) == 0 {
		return model.WebhookLog{}, ErrNotRedeliverable
	}
	targets, err := d.Partners.Resolve(ctx, []string{row.PartnerID})
	if err != nil {
		return model.WebhookLog{}, err
	}
	if len(targets) == 0 {
		return model.WebhookLog{}, fmt.Errorf("%w: partner %s is inactive", ErrNotRedeliverable, row.PartnerID)
	}
	return row, d.background(ctx, row.EventType, row.Payload, targets)
}

func (d *Dispatcher) background(ctx context.Context, eventType string, body []byte, targets []model.Partner) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	// must outlive the caller's request; keeps its values (request id)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		d.fanOut(bg, eventType, body, targets)
	}()
	return nil
}

// Close stops accepting new dispatches and waits for in-flight deliveries
// until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all background deliveries started so far finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }
