// Package partners owns partner registration, secrets and subscriber lookup.
package partners

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"tourhooks/internal/model"
	"tourhooks/internal/store"
)

var (
	ErrUnknownPartner      = fmt.Errorf("unknown partner: %w", store.ErrNotFound)
	ErrDuplicateWebhookURL = store.ErrDuplicateWebhookURL
	ErrInvalidPartner      = errors.New("invalid partner")
)

const secretPrefix = "whsec_"

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Name             string   `json:"name" validate:"required,max=200"`
	WebhookURL       string   `json:"webhook_url" validate:"required,url,startswith=http"`
	SubscribedEvents []string `json:"subscribed_events" validate:"required,min=1,dive,required"`
	ContactInfo      string   `json:"contact_info" validate:"max=500"`
}

// UpdateRequest is the input to Update. Nil fields are left unchanged.
type UpdateRequest struct {
	Name             *string  `json:"name" validate:"omitempty,max=200"`
	WebhookURL       *string  `json:"webhook_url" validate:"omitempty,url,startswith=http"`
	SubscribedEvents []string `json:"subscribed_events" validate:"omitempty,min=1,dive,required"`
	ContactInfo      *string  `json:"contact_info" validate:"omitempty,max=500"`
}

// Registry is the partner service used by the HTTP layer, the inbound gate
// and the delivery engine.
type Registry struct {
	store    store.Store
	validate *validator.Validate
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, validate: validator.New()}
}

// Register creates an active partner with a fresh secret. The returned
// partner carries the secret; callers show it once.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (model.Partner, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if err := r.validate.Struct(req); err != nil {
		return model.Partner{}, fmt.Errorf("%w: %v", ErrInvalidPartner, err)
	}
	events, err := model.ParseEventTypes(req.SubscribedEvents)
	if err != nil {
		return model.Partner{}, fmt.Errorf("%w: %v", ErrInvalidPartner, err)
	}
	secret, err := NewSecret()
	if err != nil {
		return model.Partner{}, err
	}
	return r.store.CreatePartner(ctx, model.Partner{
		Name:             req.Name,
		WebhookURL:       req.WebhookURL,
		SharedSecret:     secret,
		SubscribedEvents: events,
		IsActive:         true,
		ContactInfo:      req.ContactInfo,
	})
}

func (r *Registry) Get(ctx context.Context, id string) (model.Partner, error) {
	p, err := r.store.GetPartner(ctx, id)
	return p, mapNotFound(err)
}

func (r *Registry) List(ctx context.Context, activeOnly bool) ([]model.Partner, error) {
	return r.store.ListPartners(ctx, activeOnly)
}

func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (model.Partner, error) {
	if err := r.validate.Struct(req); err != nil {
		return model.Partner{}, fmt.Errorf("%w: %v", ErrInvalidPartner, err)
	}
	patch := model.PartnerPatch{Name: req.Name, WebhookURL: req.WebhookURL, ContactInfo: req.ContactInfo}
	if req.SubscribedEvents != nil {
		events, err := model.ParseEventTypes(req.SubscribedEvents)
		if err != nil {
			return model.Partner{}, fmt.Errorf("%w: %v", ErrInvalidPartner, err)
		}
		patch.SubscribedEvents = events
	}
	p, err := r.store.UpdatePartner(ctx, id, patch)
	return p, mapNotFound(err)
}

// Deactivate soft-deletes a partner. It reports whether the partner was
// active before the call.
func (r *Registry) Deactivate(ctx context.Context, id string) (bool, error) {
	changed, err := r.store.DeactivatePartner(ctx, id)
	return changed, mapNotFound(err)
}

// RegenerateSecret replaces the partner's secret; the old one stops
// verifying immediately.
func (r *Registry) RegenerateSecret(ctx context.Context, id string) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	if err := r.store.SetPartnerSecret(ctx, id, secret); err != nil {
		return "", mapNotFound(err)
	}
	return secret, nil
}

// FindSubscribers returns active partners subscribed to t. Non-taxonomy
// types never have subscribers.
func (r *Registry) FindSubscribers(ctx context.Context, t model.EventType) ([]model.Partner, error) {
	if !t.Subscribable() {
		return nil, nil
	}
	return r.store.FindSubscribers(ctx, t)
}

// Resolve loads the given partner ids, skipping inactive ones.
func (r *Registry) Resolve(ctx context.Context, ids []string) ([]model.Partner, error) {
	out := make([]model.Partner, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, err := r.store.GetPartner(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", mapNotFound(err), id)
		}
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

// Lookup finds the active partner identified by an X-Webhook-Source value,
// trying the id first and then the name.
func (r *Registry) Lookup(ctx context.Context, source string) (model.Partner, error) {
	if source == "" {
		return model.Partner{}, ErrUnknownPartner
	}
	p, err := r.store.GetPartner(ctx, source)
	if err == nil && p.IsActive {
		return p, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.Partner{}, err
	}
	p, err = r.store.FindPartnerByName(ctx, source)
	return p, mapNotFound(err)
}

// GetPartner satisfies auth.PartnerLookup.
func (r *Registry) GetPartner(ctx context.Context, id string) (model.Partner, error) {
	return r.Get(ctx, id)
}

// NewSecret returns a random signing secret.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownPartner
	}
	return err
}
