// Package catalog serves point-in-time snapshots of routing configuration.
// The selector never queries the store directly; it reads cached snapshots
// whose staleness is bounded by the cache TTL, and an explicit Invalidate
// (admin signal, config reload) cuts that bound to zero.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/storage"
)

// snapshotTTL bounds how stale a snapshot may get before the next read
// goes back to the store.
const snapshotTTL = 30 * time.Second

const (
	keyUpstreams = "upstreams"
	keyRules     = "rules"
)

// Catalog caches active upstreams and compensation rules. Snapshot slices
// are shared between callers and must be treated as immutable.
type Catalog struct {
	upstreams storage.UpstreamStore
	rules     storage.RuleStore

	upstreamCache *otter.Cache[string, []*gateway.Upstream]
	ruleCache     *otter.Cache[string, []*gateway.CompensationRule]

	// loadMu collapses concurrent misses into one store read per entity.
	loadMu sync.Mutex
}

// New returns a Catalog over the given stores.
func New(upstreams storage.UpstreamStore, rules storage.RuleStore) (*Catalog, error) {
	uc, err := otter.New(&otter.Options[string, []*gateway.Upstream]{
		MaximumSize:      2,
		ExpiryCalculator: otter.ExpiryWriting[string, []*gateway.Upstream](snapshotTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create upstream cache: %w", err)
	}
	rc, err := otter.New(&otter.Options[string, []*gateway.CompensationRule]{
		MaximumSize:      2,
		ExpiryCalculator: otter.ExpiryWriting[string, []*gateway.CompensationRule](snapshotTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}
	return &Catalog{
		upstreams:     upstreams,
		rules:         rules,
		upstreamCache: uc,
		ruleCache:     rc,
	}, nil
}

// Upstreams returns the current upstream snapshot, inactive rows included.
// The selector needs the full set so it can record inactive exclusions.
func (c *Catalog) Upstreams(ctx context.Context) ([]*gateway.Upstream, error) {
	if cached, ok := c.upstreamCache.GetIfPresent(keyUpstreams); ok {
		return cached, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if cached, ok := c.upstreamCache.GetIfPresent(keyUpstreams); ok {
		return cached, nil
	}

	ups, err := c.upstreams.ListUpstreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load upstream snapshot: %w", err)
	}
	c.upstreamCache.Set(keyUpstreams, ups)
	return ups, nil
}

// ActiveUpstreams returns the active subset of the current snapshot.
func (c *Catalog) ActiveUpstreams(ctx context.Context) ([]*gateway.Upstream, error) {
	all, err := c.Upstreams(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*gateway.Upstream, 0, len(all))
	for _, u := range all {
		if u.IsActive {
			active = append(active, u)
		}
	}
	return active, nil
}

// CompensationRules returns the current enabled-rule snapshot.
func (c *Catalog) CompensationRules(ctx context.Context) ([]*gateway.CompensationRule, error) {
	if cached, ok := c.ruleCache.GetIfPresent(keyRules); ok {
		return cached, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if cached, ok := c.ruleCache.GetIfPresent(keyRules); ok {
		return cached, nil
	}

	rules, err := c.rules.ListCompensationRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rule snapshot: %w", err)
	}
	c.ruleCache.Set(keyRules, rules)
	return rules, nil
}

// Invalidate drops all cached snapshots; the next read hits the store.
func (c *Catalog) Invalidate() {
	c.upstreamCache.InvalidateAll()
	c.ruleCache.InvalidateAll()
}
