package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tourhooks/internal/model"
)

// Memory is an in-memory store used when no database URL is configured.
type Memory struct {
	mu       sync.RWMutex
	partners map[string]*model.Partner               // id -> partner
	byURL    map[string]string                       // webhook url -> partner id
	byEvent  map[model.EventType]map[string]struct{} // event type -> subscribed partner ids
	logs     []model.WebhookLog                      // append order
	logIdx   map[string]int                          // log id -> position
}

func NewMemory() *Memory {
	return &Memory{
		partners: map[string]*model.Partner{},
		byURL:    map[string]string{},
		byEvent:  map[model.EventType]map[string]struct{}{},
		logIdx:   map[string]int{},
	}
}

func (m *Memory) CreatePartner(ctx context.Context, p model.Partner) (model.Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byURL[p.WebhookURL]; dup {
		return model.Partner{}, ErrDuplicateWebhookURL
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	p.SubscribedEvents = append([]model.EventType(nil), p.SubscribedEvents...)
	stored := p
	m.partners[p.ID] = &stored
	m.byURL[p.WebhookURL] = p.ID
	m.index(p.ID, nil, p.SubscribedEvents)
	return clonePartner(&stored), nil
}

func (m *Memory) index(id string, old, cur []model.EventType) {
	for _, t := range old {
		if set := m.byEvent[t]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byEvent, t)
			}
		}
	}
	for _, t := range cur {
		if m.byEvent[t] == nil {
			m.byEvent[t] = map[string]struct{}{}
		}
		m.byEvent[t][id] = struct{}{}
	}
}

func (m *Memory) GetPartner(ctx context.Context, id string) (model.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partners[id]
	if !ok {
		return model.Partner{}, ErrNotFound
	}
	return clonePartner(p), nil
}

// FindPartnerByName returns the oldest active partner with the given name.
func (m *Memory) FindPartnerByName(ctx context.Context, name string) (model.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *model.Partner
	for _, p := range m.partners {
		if !p.IsActive || p.Name != name {
			continue
		}
		if best == nil || p.CreatedAt.Before(best.CreatedAt) {
			best = p
		}
	}
	if best == nil {
		return model.Partner{}, ErrNotFound
	}
	return clonePartner(best), nil
}

func (m *Memory) ListPartners(ctx context.Context, activeOnly bool) ([]model.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Partner, 0, len(m.partners))
	for _, p := range m.partners {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, clonePartner(p))
	}
	sortPartners(out)
	return out, nil
}

func (m *Memory) UpdatePartner(ctx context.Context, id string, patch model.PartnerPatch) (model.Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok {
		return model.Partner{}, ErrNotFound
	}
	if patch.WebhookURL != nil && *patch.WebhookURL != p.WebhookURL {
		if _, dup := m.byURL[*patch.WebhookURL]; dup {
			return model.Partner{}, ErrDuplicateWebhookURL
		}
		delete(m.byURL, p.WebhookURL)
		m.byURL[*patch.WebhookURL] = id
		p.WebhookURL = *patch.WebhookURL
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.ContactInfo != nil {
		p.ContactInfo = *patch.ContactInfo
	}
	if patch.SubscribedEvents != nil {
		m.index(id, p.SubscribedEvents, patch.SubscribedEvents)
		p.SubscribedEvents = append([]model.EventType(nil), patch.SubscribedEvents...)
	}
	p.UpdatedAt = time.Now().UTC()
	return clonePartner(p), nil
}

func (m *Memory) DeactivatePartner(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok {
		return false, ErrNotFound
	}
	if !p.IsActive {
		return false, nil
	}
	p.IsActive = false
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) SetPartnerSecret(ctx context.Context, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok {
		return ErrNotFound
	}
	p.SharedSecret = secret
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// FindSubscribers walks only the partners indexed under eventType.
func (m *Memory) FindSubscribers(ctx context.Context, eventType model.EventType) ([]model.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byEvent[eventType]
	out := make([]model.Partner, 0, len(ids))
	for id := range ids {
		if p := m.partners[id]; p != nil && p.IsActive {
			out = append(out, clonePartner(p))
		}
	}
	sortPartners(out)
	return out, nil
}

func (m *Memory) TouchPartnerDelivery(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	if p.LastSuccessfulDeliveryAt == nil || at.After(*p.LastSuccessfulDeliveryAt) {
		p.LastSuccessfulDeliveryAt = &at
	}
	return nil
}

func (m *Memory) AppendWebhookLog(ctx context.Context, l model.WebhookLog) (model.WebhookLog, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.CompletedAt.IsZero() {
		l.CompletedAt = now
	}
	l.Payload = append([]byte(nil), l.Payload...)
	m.mu.Lock()
	m.logIdx[l.ID] = len(m.logs)
	m.logs = append(m.logs, l)
	m.mu.Unlock()
	return l, nil
}

func (m *Memory) GetWebhookLog(ctx context.Context, id string) (model.WebhookLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.logIdx[id]
	if !ok {
		return model.WebhookLog{}, ErrNotFound
	}
	return m.logs[i], nil
}

// ListWebhookLogs returns rows in append order; the cursor is the id of the
// last row of the previous page.
func (m *Memory) ListWebhookLogs(ctx context.Context, f model.LogFilter) ([]model.WebhookLog, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := clampLimit(f.Limit)
	start := 0
	if f.Cursor != "" {
		if i, ok := m.logIdx[f.Cursor]; ok {
			start = i + 1
		}
	}
	out := []model.WebhookLog{}
	for _, l := range m.logs[start:] {
		if !MatchLog(l, f) {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// MatchLog reports whether l passes the filter; paging fields are ignored.
func MatchLog(l model.WebhookLog, f model.LogFilter) bool {
	if f.Direction != "" && l.Direction != f.Direction {
		return false
	}
	if f.PartnerID != "" && l.PartnerID != f.PartnerID {
		return false
	}
	if f.EventType != "" && !strings.EqualFold(l.EventType, f.EventType) {
		return false
	}
	if f.Success != nil && l.Success != *f.Success {
		return false
	}
	return true
}

func clonePartner(p *model.Partner) model.Partner {
	out := *p
	out.SubscribedEvents = append([]model.EventType(nil), p.SubscribedEvents...)
	if p.LastSuccessfulDeliveryAt != nil {
		t := *p.LastSuccessfulDeliveryAt
		out.LastSuccessfulDeliveryAt = &t
	}
	return out
}

func sortPartners(ps []model.Partner) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
