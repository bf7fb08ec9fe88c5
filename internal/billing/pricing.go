// Package billing prices request usage and enforces upstream spending caps.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/storage"
)

// priceCacheTTL bounds how stale a resolved price may be. Manual overrides
// and catalog syncs land within one TTL without an explicit invalidation.
const priceCacheTTL = 60 * time.Second

const unbillableNoPrice = "no_price_for_model"

// Pricer resolves model prices through the cascade and builds billing
// snapshots for finished requests.
type Pricer struct {
	store storage.PriceStore
	cache *otter.Cache[string, *gateway.ModelPrice]
}

// NewPricer returns a Pricer over the price store.
func NewPricer(store storage.PriceStore) (*Pricer, error) {
	c, err := otter.New(&otter.Options[string, *gateway.ModelPrice]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.ModelPrice](priceCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	return &Pricer{store: store, cache: c}, nil
}

// Resolve returns the price row for model, preferring an exact match and
// falling back to the normalized name. Returns gateway.ErrNotFound when the
// cascade resolves nothing.
func (p *Pricer) Resolve(ctx context.Context, model string) (*gateway.ModelPrice, error) {
	if model == "" {
		return nil, gateway.ErrNotFound
	}
	if cached, ok := p.cache.GetIfPresent(model); ok {
		return cached, nil
	}

	price, err := p.store.ResolveModelPrice(ctx, model)
	if errors.Is(err, gateway.ErrNotFound) {
		if norm := NormalizeModelName(model); norm != model {
			price, err = p.store.ResolveModelPrice(ctx, norm)
		}
	}
	if err != nil {
		return nil, err
	}
	p.cache.Set(model, price)
	return price, nil
}

// Invalidate drops all cached prices.
func (p *Pricer) Invalidate() {
	p.cache.InvalidateAll()
}

// Snapshot prices the usage of one finished request. It never fails: an
// unresolved model produces an unbillable snapshot instead.
func (p *Pricer) Snapshot(ctx context.Context, model string, usage gateway.Usage, up *gateway.Upstream) *gateway.BillingSnapshot {
	snap := &gateway.BillingSnapshot{
		Model:            model,
		InputMultiplier:  multiplier(up.BillingInputMult),
		OutputMultiplier: multiplier(up.BillingOutputMult),
	}

	price, err := p.Resolve(ctx, model)
	if err != nil {
		snap.Status = gateway.BillingStatusUnbillable
		snap.UnbillableReason = unbillableNoPrice
		if !errors.Is(err, gateway.ErrNotFound) {
			slog.LogAttrs(ctx, slog.LevelWarn, "price lookup failed",
				slog.String("model", model),
				slog.String("error", err.Error()),
			)
		}
		return snap
	}

	snap.Status = gateway.BillingStatusBilled
	snap.PriceSource = price.Source
	snap.FinalCostUSD = Cost(usage, price, snap.InputMultiplier, snap.OutputMultiplier)
	return snap
}

// Cost computes the USD cost of usage under the given per-million prices,
// rounded to 6 decimals.
func Cost(u gateway.Usage, price *gateway.ModelPrice, inputMul, outputMul float64) float64 {
	const mtok = 1_000_000
	cost := float64(u.PromptTokens) / mtok * price.InputPerMTok * inputMul
	cost += float64(u.CompletionTokens) / mtok * price.OutputPerMTok * outputMul
	cost += float64(u.CacheReadTokens) / mtok * price.CacheReadPerM
	cost += float64(u.CacheCreationTokens) / mtok * price.CacheWritePerM
	return math.Round(cost*mtok) / mtok
}

// multiplier treats unset (zero or negative) multipliers as 1.0.
func multiplier(m float64) float64 {
	if m <= 0 {
		return 1.0
	}
	return m
}

// NormalizeModelName strips the vendor path prefix and lowercases, so
// "anthropic/Claude-Sonnet-4" matches a catalog row for "claude-sonnet-4".
func NormalizeModelName(model string) string {
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	return strings.ToLower(model)
}
