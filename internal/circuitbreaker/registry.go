package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// Registry manages per-upstream Breaker instances. MarkHealthy and
// MarkUnhealthy are the only write entry points for request outcomes.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates a circuit breaker registry with the given defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for the given upstream ID, or nil if none exists.
func (r *Registry) Get(upstreamID string) *Breaker {
	r.mu.RLock()
	b := r.breakers[upstreamID]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for the upstream, creating one with the
// upstream's config overlaid on the defaults. Uses double-check locking to
// minimize write-lock contention. Overrides are captured at creation; an
// admin edit takes effect after the stale breaker is evicted.
func (r *Registry) GetOrCreate(upstreamID string, overrides *gateway.CircuitBreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstreamID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.breakers[upstreamID]; ok {
		return b
	}
	b = NewBreaker(r.defaults.merge(overrides))
	r.breakers[upstreamID] = b
	return b
}

// State returns the effective circuit state for the upstream. Unknown
// upstreams report closed without allocating a breaker.
func (r *Registry) State(upstreamID string) State {
	if b := r.Get(upstreamID); b != nil {
		return b.State()
	}
	return StateClosed
}

// MarkHealthy records a successful request and its latency.
func (r *Registry) MarkHealthy(upstreamID string, latency time.Duration) {
	r.GetOrCreate(upstreamID, nil).RecordSuccess(latency)
}

// MarkUnhealthy records a failed request. When the failure trips the
// circuit, the transition is logged with the reason.
func (r *Registry) MarkUnhealthy(upstreamID string, reason gateway.AttemptErrorType) {
	b := r.GetOrCreate(upstreamID, nil)
	before := b.State()
	b.RecordFailure()
	if after := b.State(); after == StateOpen && before != StateOpen {
		slog.LogAttrs(context.Background(), slog.LevelWarn, "circuit opened",
			slog.String("upstream_id", upstreamID),
			slog.String("reason", string(reason)),
		)
	}
}

// Snapshots returns a point-in-time view of every tracked breaker,
// keyed by upstream ID.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	// Phase 1: read-lock to identify stale keys.
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	// Phase 2: write-lock only for deletions.
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(r.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
