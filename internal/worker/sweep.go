package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tollgatehq/tollgate/internal/circuitbreaker"
)

const (
	sweepInterval = 5 * time.Minute
	breakerMaxAge = time.Hour
)

// SweepWorker evicts circuit breakers that have seen no traffic. Breakers
// outlive upstream reconfiguration, so without a sweep the registry grows
// with every removed upstream.
type SweepWorker struct {
	registry *circuitbreaker.Registry
}

// NewSweepWorker creates a SweepWorker over the breaker registry.
func NewSweepWorker(registry *circuitbreaker.Registry) *SweepWorker {
	return &SweepWorker{registry: registry}
}

// Name returns the worker identifier.
func (w *SweepWorker) Name() string { return "breaker_sweep" }

// Run sweeps until ctx is cancelled.
func (w *SweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.registry.EvictStale(time.Now().Add(-breakerMaxAge)); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "stale breakers evicted",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
