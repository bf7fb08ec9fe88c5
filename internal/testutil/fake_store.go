// Package testutil provides in-memory fakes for gateway tests.
package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu        sync.RWMutex
	upstreams map[string]*gateway.Upstream
	keys      map[string]*gateway.APIKey // by ID
	rules     map[string]*gateway.CompensationRule
	prices    map[string]map[string]gateway.ModelPrice // model -> source -> price
	logs      []gateway.RequestLog

	// PingErr, when set, makes Ping fail (readiness tests).
	PingErr error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		upstreams: make(map[string]*gateway.Upstream),
		keys:      make(map[string]*gateway.APIKey),
		rules:     make(map[string]*gateway.CompensationRule),
		prices:    make(map[string]map[string]gateway.ModelPrice),
	}
}

// --- UpstreamStore ---

func (s *FakeStore) UpsertUpstream(_ context.Context, u *gateway.Upstream) error {
	s.mu.Lock()
	s.upstreams[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetUpstream(_ context.Context, id string) (*gateway.Upstream, error) {
	s.mu.RLock()
	u, ok := s.upstreams[id]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return u, nil
}

func (s *FakeStore) ListUpstreams(context.Context) ([]*gateway.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Upstream, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		out = append(out, u)
	}
	return out, nil
}

// --- APIKeyStore ---

func (s *FakeStore) UpsertKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	s.keys[key.ID] = key
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) GetKeysByPrefix(_ context.Context, prefix string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

// --- RuleStore ---

func (s *FakeStore) UpsertRule(_ context.Context, r *gateway.CompensationRule) error {
	s.mu.Lock()
	s.rules[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListCompensationRules(context.Context) ([]*gateway.CompensationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.CompensationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

// --- PriceStore ---

func (s *FakeStore) ResolveModelPrice(_ context.Context, model string) (*gateway.ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources, ok := s.prices[model]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	if p, ok := sources[gateway.PriceSourceManualOverride]; ok {
		return &p, nil
	}
	if p, ok := sources[gateway.PriceSourceSyncedCatalog]; ok {
		return &p, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) UpsertModelPrices(_ context.Context, prices []gateway.ModelPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range prices {
		if s.prices[p.Model] == nil {
			s.prices[p.Model] = make(map[string]gateway.ModelPrice)
		}
		s.prices[p.Model][p.Source] = p
	}
	return nil
}

func (s *FakeStore) ListModelPrices(context.Context) ([]*gateway.ModelPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.ModelPrice
	for _, sources := range s.prices {
		for _, p := range sources {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- RequestLogStore ---

func (s *FakeStore) InsertRequestLogs(_ context.Context, logs []gateway.RequestLog) error {
	s.mu.Lock()
	s.logs = append(s.logs, logs...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) SpendSince(_ context.Context, since time.Time) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64)
	for _, l := range s.logs {
		if l.CreatedAt.Before(since) || l.Billing == nil || l.Billing.Status != gateway.BillingStatusBilled {
			continue
		}
		out[l.UpstreamID] += l.Billing.FinalCostUSD
	}
	return out, nil
}

// RequestLogs returns a copy of everything inserted so far.
func (s *FakeStore) RequestLogs() []gateway.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return s.PingErr }
func (s *FakeStore) Close() error               { return nil }
