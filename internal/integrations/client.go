package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Client is the small JSON-over-HTTP helper shared by gateway adapters.
type Client struct {
	Provider  string
	BaseURL   string
	HTTP      *http.Client
	Authorize func(*http.Request)
}

func NewClient(provider, baseURL string, timeout time.Duration, authorize func(*http.Request)) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		Provider:  provider,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTP:      &http.Client{Timeout: timeout},
		Authorize: authorize,
	}
}

// Do sends in as JSON (when non-nil) and decodes a 2xx response into out.
// 404 maps to ErrPaymentNotFound; other non-2xx to *GatewayError.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authorize != nil {
		c.Authorize(req)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Provider, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", c.Provider, ErrPaymentNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{Provider: c.Provider, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.Provider, err)
	}
	return nil
}

// DecodePayload unmarshals a raw callback, wrapping failures in
// ErrMalformedPayload.
func DecodePayload(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// ToMinor converts a unit-currency amount to integer minor units.
func ToMinor(amount float64, factor int64) int64 {
	return int64(math.Round(amount * float64(factor)))
}

// FromMinor converts integer minor units back to the unit currency.
func FromMinor(minor int64, factor int64) float64 {
	return float64(minor) / float64(factor)
}

// ParseTime accepts RFC3339, "2006-01-02 15:04:05" or unix seconds. The zero
// time is returned when nothing matches.
func ParseTime(v any) time.Time {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil && n > 0 {
			return time.Unix(n, 0).UTC()
		}
	case float64:
		if t > 0 {
			return time.Unix(int64(t), 0).UTC()
		}
	case int64:
		if t > 0 {
			return time.Unix(t, 0).UTC()
		}
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}
