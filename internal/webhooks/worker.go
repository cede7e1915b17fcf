package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tourhooks/internal/auth"
	"tourhooks/internal/logging"
	"tourhooks/internal/metrics"
	"tourhooks/internal/model"
)

var ErrDeliveryTimeout = errors.New("delivery timed out")

// HTTPStatusError is a delivery attempt answered with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string { return fmt.Sprintf("HTTP %d", e.StatusCode) }

// PartnerSource resolves delivery targets.
type PartnerSource interface {
	FindSubscribers(ctx context.Context, t model.EventType) ([]model.Partner, error)
	Resolve(ctx context.Context, ids []string) ([]model.Partner, error)
}

// LogStore receives one row per attempt.
type LogStore interface {
	AppendWebhookLog(ctx context.Context, l model.WebhookLog) (model.WebhookLog, error)
	GetWebhookLog(ctx context.Context, id string) (model.WebhookLog, error)
	TouchPartnerDelivery(ctx context.Context, id string, at time.Time) error
}

// TokenIssuer mints the bearer token sent with outbound deliveries.
type TokenIssuer interface {
	Issue(subject, role string, extra map[string]any) (string, time.Time, error)
}

type Options struct {
	// Source is this service's identity in X-Webhook-Source.
	Source string
	// RetryBound is the number of retries after the first attempt.
	RetryBound      int
	AttemptTimeout  time.Duration
	DeliveryTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

func (o *Options) defaults() {
	if o.Source == "" {
		o.Source = "tourhooks"
	}
	if o.RetryBound < 0 {
		o.RetryBound = 0
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 3 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
}

// Dispatcher is the delivery engine: it fans a canonical event out to
// partners, one goroutine each, with sequential bounded retries per partner.
type Dispatcher struct {
	Partners PartnerSource
	Logs     LogStore
	Tokens   TokenIssuer
	HTTP     *http.Client
	Log      *logging.Logger
	// OnLog, when set, observes every appended audit row.
	OnLog func(model.WebhookLog)

	opts Options

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(p PartnerSource, logs LogStore, tokens TokenIssuer, log *logging.Logger, opts Options) *Dispatcher {
	opts.defaults()
	if log == nil {
		log = logging.Default()
	}
	return &Dispatcher{
		Partners: p,
		Logs:     logs,
		Tokens:   tokens,
		HTTP:     &http.Client{},
		Log:      log,
		opts:     opts,
	}
}

func (d *Dispatcher) Options() Options { return d.opts }

// Deliver blocks until every partner's attempts finish or the delivery
// timeout expires, and returns the rows written. Delivery failures are only
// reported through the rows; the error is for partner resolution.
func (d *Dispatcher) Deliver(ctx context.Context, evt model.CanonicalEvent, partnerIDs ...string) ([]model.WebhookLog, error) {
	targets, err := d.resolve(ctx, evt.EventType, partnerIDs)
	if err != nil {
		return nil, err
	}
	body, err := EncodeEvent(evt)
	if err != nil {
		return nil, err
	}
	return d.fanOut(ctx, string(evt.EventType), body, targets), nil
}

func (d *Dispatcher) resolve(ctx context.Context, t model.EventType, ids []string) ([]model.Partner, error) {
	if len(ids) > 0 {
		return d.Partners.Resolve(ctx, ids)
	}
	return d.Partners.FindSubscribers(ctx, t)
}

func (d *Dispatcher) fanOut(ctx context.Context, eventType string, body []byte, targets []model.Partner) []model.WebhookLog {
	if len(targets) == 0 {
		d.Log.WarnContext(ctx, "no subscribers for event", "event_type", eventType)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.DeliveryTimeout)
	defer cancel()

	token := d.outboundToken(ctx)
	rows := make([][]model.WebhookLog, len(targets))
	var wg sync.WaitGroup
	for i, p := range targets {
		wg.Add(1)
		go func(i int, p model.Partner) {
			defer wg.Done()
			rows[i] = d.deliverPartner(ctx, p, eventType, body, token)
		}(i, p)
	}
	wg.Wait()

	out := make([]model.WebhookLog, 0, len(targets)*(d.opts.RetryBound+1))
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func (d *Dispatcher) outboundToken(ctx context.Context) string {
	if d.Tokens == nil {
		return ""
	}
	tok, _, err := d.Tokens.Issue(d.opts.Source, auth.RoleService, nil)
	if err != nil {
		d.Log.ErrorContext(ctx, "issue outbound token", "error", err)
		return ""
	}
	return tok
}

// deliverPartner runs up to 1+RetryBound sequential attempts. It stops early
// on success or when the delivery deadline leaves no room for another try.
func (d *Dispatcher) deliverPartner(ctx context.Context, p model.Partner, eventType string, body []byte, token string) []model.WebhookLog {
	sig := Sign(body, p.SharedSecret)
	var rows []model.WebhookLog
	for attempt := 0; attempt <= d.opts.RetryBound; attempt++ {
		row := d.attempt(ctx, p, eventType, body, sig, token, attempt)
		rows = append(rows, row)
		if row.Success {
			if err := d.Logs.TouchPartnerDelivery(context.WithoutCancel(ctx), p.ID, row.CompletedAt); err != nil {
				d.Log.WarnContext(ctx, "record last delivery", "partner_id", p.ID, "error", err)
			}
			return rows
		}
		if attempt == d.opts.RetryBound {
			break
		}
		select {
		case <-ctx.Done():
			d.Log.WarnContext(ctx, "delivery deadline reached, abandoning retries",
				"partner_id", p.ID, "event_type", eventType, "attempts", attempt+1)
			return rows
		case <-time.After(d.backoff(attempt)):
		}
	}
	d.Log.WarnContext(ctx, "delivery exhausted", "partner_id", p.ID, "event_type", eventType, "attempts", len(rows))
	return rows
}

func (d *Dispatcher) attempt(ctx context.Context, p model.Partner, eventType string, body []byte, sig, token string, n int) model.WebhookLog {
	row := model.WebhookLog{
		Direction:  model.Outbound,
		EventType:  eventType,
		PartnerID:  p.ID,
		URL:        p.WebhookURL,
		Payload:    body,
		Signature:  sig,
		RetryCount: n,
		CreatedAt:  time.Now().UTC(),
	}
	status, err := d.post(ctx, p.WebhookURL, eventType, body, sig, token, n+1)
	row.CompletedAt = time.Now().UTC()
	if status != 0 {
		row.HTTPStatus = &status
	}
	outcome := "success"
	if err != nil {
		row.ErrorMessage = err.Error()
		outcome = "failure"
		if errors.Is(err, ErrDeliveryTimeout) {
			outcome = "timeout"
		}
	} else {
		row.Success = true
	}
	label := metrics.EventLabel(eventType)
	metrics.WebhookDeliveries.WithLabelValues(label, outcome).Inc()
	metrics.WebhookLatency.WithLabelValues(label, outcome).Observe(float64(row.CompletedAt.Sub(row.CreatedAt).Milliseconds()))

	saved, lerr := d.Logs.AppendWebhookLog(context.WithoutCancel(ctx), row)
	if lerr != nil {
		d.Log.ErrorContext(ctx, "append webhook log", "partner_id", p.ID, "error", lerr)
		return row
	}
	if d.OnLog != nil {
		d.OnLog(saved)
	}
	return saved
}

func (d *Dispatcher) post(ctx context.Context, url, eventType string, body []byte, sig, token string, attempt int) (int, error) {
	actx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderSource, d.opts.Source)
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, fmt.Errorf("%w: %v", ErrDeliveryTimeout, err)
		}
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// backoff doubles from BackoffBase per attempt, capped at BackoffMax, and
// keeps between half and all of that value.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	base := d.opts.BackoffBase << attempt
	if base > d.opts.BackoffMax || base <= 0 {
		base = d.opts.BackoffMax
	}
	half := base / 2
	return half + rand.N(half+1)
}
