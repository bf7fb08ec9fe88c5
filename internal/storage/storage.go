// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// UpstreamStore manages upstream configuration persistence. Writes happen
// only through bootstrap seeding; the request path is read-only.
// ListUpstreams returns every row including inactive ones: the selector
// records inactive upstreams as exclusions rather than never seeing them.
type UpstreamStore interface {
	UpsertUpstream(ctx context.Context, u *gateway.Upstream) error
	GetUpstream(ctx context.Context, id string) (*gateway.Upstream, error)
	ListUpstreams(ctx context.Context) ([]*gateway.Upstream, error)
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	UpsertKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	GetKeysByPrefix(ctx context.Context, prefix string) ([]*gateway.APIKey, error)
	TouchKeyUsed(ctx context.Context, id string) error
}

// RuleStore manages header compensation rules.
type RuleStore interface {
	UpsertRule(ctx context.Context, r *gateway.CompensationRule) error
	ListCompensationRules(ctx context.Context) ([]*gateway.CompensationRule, error)
}

// PriceStore manages model prices. ResolveModelPrice applies the cascade:
// a manual_override row beats a synced_catalog row for the same model;
// no row at all returns gateway.ErrNotFound.
type PriceStore interface {
	ResolveModelPrice(ctx context.Context, model string) (*gateway.ModelPrice, error)
	UpsertModelPrices(ctx context.Context, prices []gateway.ModelPrice) error
	ListModelPrices(ctx context.Context) ([]*gateway.ModelPrice, error)
}

// RequestLogStore persists finished request logs and answers spend queries.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []gateway.RequestLog) error
	// SpendSince sums billed cost per upstream for requests created at or
	// after since. Upstreams with no spend are absent from the map.
	SpendSince(ctx context.Context, since time.Time) (map[string]float64, error)
}

// Store combines all storage interfaces.
type Store interface {
	UpstreamStore
	APIKeyStore
	RuleStore
	PriceStore
	RequestLogStore
	Ping(ctx context.Context) error
	Close() error
}
