package store

import (
	"context"
	"errors"
	"time"

	"tourhooks/internal/model"
)

// Store is the persistence interface behind the partner registry and the
// webhook audit log. Implementations must allow concurrent reads and
// concurrent appends.
type Store interface {
	// Partners
	CreatePartner(ctx context.Context, p model.Partner) (model.Partner, error)
	GetPartner(ctx context.Context, id string) (model.Partner, error)
	FindPartnerByName(ctx context.Context, name string) (model.Partner, error)
	ListPartners(ctx context.Context, activeOnly bool) ([]model.Partner, error)
	UpdatePartner(ctx context.Context, id string, patch model.PartnerPatch) (model.Partner, error)
	DeactivatePartner(ctx context.Context, id string) (bool, error)
	SetPartnerSecret(ctx context.Context, id, secret string) error
	FindSubscribers(ctx context.Context, eventType model.EventType) ([]model.Partner, error)
	TouchPartnerDelivery(ctx context.Context, id string, at time.Time) error

	// Audit log (append-only)
	AppendWebhookLog(ctx context.Context, l model.WebhookLog) (model.WebhookLog, error)
	GetWebhookLog(ctx context.Context, id string) (model.WebhookLog, error)
	ListWebhookLogs(ctx context.Context, f model.LogFilter) ([]model.WebhookLog, string, error)
}

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateWebhookURL = errors.New("webhook url already registered")
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
