package affinity

import (
	"context"
	"log/slog"
	"time"
)

// Janitor sweeps expired entries out of a Store on an interval.
type Janitor struct {
	store    *Store
	interval time.Duration
}

// NewJanitor creates a janitor for the store. A non-positive interval
// defaults to one minute.
func NewJanitor(store *Store, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{store: store, interval: interval}
}

// Name identifies the worker in logs.
func (j *Janitor) Name() string { return "affinity_janitor" }

// Run sweeps until the context is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := j.store.Sweep(); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "affinity sweep",
					slog.Int("removed", n),
					slog.Int("remaining", j.store.Len()),
				)
			}
		}
	}
}
