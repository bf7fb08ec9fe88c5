package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"
)

const resolverRefreshInterval = 5 * time.Minute

// ResolverWorker refreshes the shared DNS cache so long-lived upstream
// connections pick up record changes.
type ResolverWorker struct {
	resolver *dnscache.Resolver
}

// NewResolverWorker creates a ResolverWorker.
func NewResolverWorker(resolver *dnscache.Resolver) *ResolverWorker {
	return &ResolverWorker{resolver: resolver}
}

// Name returns the worker identifier.
func (w *ResolverWorker) Name() string { return "dns_refresh" }

// Run refreshes cached entries until ctx is cancelled.
func (w *ResolverWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(resolverRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
