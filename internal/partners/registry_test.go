package partners

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourhooks/internal/model"
	"tourhooks/internal/store"
)

func newRegistry() *Registry { return NewRegistry(store.NewMemory()) }

func TestRegisterGeneratesSecretAndNormalizesEvents(t *testing.T) {
	r := newRegistry()
	p, err := r.Register(context.Background(), RegisterRequest{
		Name:             "  Island Tours ",
		WebhookURL:       "https://island.example/hooks",
		SubscribedEvents: []string{"payment.success", "booking.confirmed", "payment.success"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Island Tours", p.Name)
	assert.True(t, p.IsActive)
	assert.True(t, strings.HasPrefix(p.SharedSecret, secretPrefix))
	assert.Len(t, p.SharedSecret, len(secretPrefix)+64)
	assert.Equal(t, []model.EventType{model.EventBookingConfirmed, model.EventPaymentSuccess}, p.SubscribedEvents)
}

func TestRegisterRejects(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	_, err := r.Register(ctx, RegisterRequest{Name: "a", WebhookURL: "https://a.example", SubscribedEvents: []string{"order.created"}})
	require.NoError(t, err)

	cases := map[string]RegisterRequest{
		"missing name":    {WebhookURL: "https://b.example", SubscribedEvents: []string{"order.created"}},
		"bad url":         {Name: "b", WebhookURL: "not a url", SubscribedEvents: []string{"order.created"}},
		"ftp url":         {Name: "b", WebhookURL: "ftp://b.example", SubscribedEvents: []string{"order.created"}},
		"no events":       {Name: "b", WebhookURL: "https://b.example"},
		"unknown event":   {Name: "b", WebhookURL: "https://b.example", SubscribedEvents: []string{"order.shipped"}},
		"unknown.* event": {Name: "b", WebhookURL: "https://b.example", SubscribedEvents: []string{"unknown.x"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Register(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidPartner)
		})
	}

	_, err = r.Register(ctx, RegisterRequest{Name: "dup", WebhookURL: "https://a.example", SubscribedEvents: []string{"order.created"}})
	assert.ErrorIs(t, err, ErrDuplicateWebhookURL)
}

func TestRegenerateSecretInvalidatesOld(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	p, err := r.Register(ctx, RegisterRequest{Name: "a", WebhookURL: "https://a.example", SubscribedEvents: []string{"order.created"}})
	require.NoError(t, err)

	secret, err := r.RegenerateSecret(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, p.SharedSecret, secret)

	got, err := r.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, secret, got.SharedSecret)

	_, err = r.RegenerateSecret(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownPartner)
}

func TestFindSubscribersExcludesDeactivated(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	a, err := r.Register(ctx, RegisterRequest{Name: "a", WebhookURL: "https://a.example", SubscribedEvents: []string{"booking.confirmed"}})
	require.NoError(t, err)
	b, err := r.Register(ctx, RegisterRequest{Name: "b", WebhookURL: "https://b.example", SubscribedEvents: []string{"booking.confirmed", "tour.purchased"}})
	require.NoError(t, err)
	_, err = r.Register(ctx, RegisterRequest{Name: "c", WebhookURL: "https://c.example", SubscribedEvents: []string{"tour.purchased"}})
	require.NoError(t, err)

	subs, err := r.FindSubscribers(ctx, model.EventBookingConfirmed)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	ok, err := r.Deactivate(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	subs, err = r.FindSubscribers(ctx, model.EventBookingConfirmed)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, a.ID, subs[0].ID)

	subs, err = r.FindSubscribers(ctx, model.UnknownEvent("charge.dispute"))
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, err = r.Deactivate(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownPartner)
}

func TestResolveAndLookup(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	a, err := r.Register(ctx, RegisterRequest{Name: "alpha", WebhookURL: "https://a.example", SubscribedEvents: []string{"order.created"}})
	require.NoError(t, err)
	b, err := r.Register(ctx, RegisterRequest{Name: "beta", WebhookURL: "https://b.example", SubscribedEvents: []string{"order.created"}})
	require.NoError(t, err)
	_, err = r.Deactivate(ctx, b.ID)
	require.NoError(t, err)

	got, err := r.Resolve(ctx, []string{a.ID, b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	_, err = r.Resolve(ctx, []string{"missing"})
	assert.ErrorIs(t, err, ErrUnknownPartner)

	p, err := r.Lookup(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, p.ID)
	p, err = r.Lookup(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, a.ID, p.ID)
	_, err = r.Lookup(ctx, "beta")
	assert.ErrorIs(t, err, ErrUnknownPartner)
	_, err = r.Lookup(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownPartner)
}

func TestUpdate(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	a, err := r.Register(ctx, RegisterRequest{Name: "alpha", WebhookURL: "https://a.example", SubscribedEvents: []string{"order.created"}})
	require.NoError(t, err)

	up, err := r.Update(ctx, a.ID, UpdateRequest{SubscribedEvents: []string{"tour.purchased"}})
	require.NoError(t, err)
	assert.Equal(t, []model.EventType{model.EventTourPurchased}, up.SubscribedEvents)

	bad := "nope"
	_, err = r.Update(ctx, a.ID, UpdateRequest{WebhookURL: &bad})
	assert.ErrorIs(t, err, ErrInvalidPartner)
	_, err = r.Update(ctx, a.ID, UpdateRequest{SubscribedEvents: []string{"x.y"}})
	assert.ErrorIs(t, err, ErrInvalidPartner)
	name := "z"
	_, err = r.Update(ctx, "missing", UpdateRequest{Name: &name})
	assert.ErrorIs(t, err, ErrUnknownPartner)
}
