package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tollgatehq/tollgate/internal/billing"
	"github.com/tollgatehq/tollgate/internal/storage"
)

const quotaSyncInterval = 30 * time.Second

// QuotaSyncWorker periodically recomputes per-upstream spend counters from
// the request log store. Spending limits are enforced against these
// counters, so a restart converges within one sync interval.
type QuotaSyncWorker struct {
	tracker  *billing.QuotaTracker
	store    storage.RequestLogStore
	interval time.Duration
}

// NewQuotaSyncWorker creates a QuotaSyncWorker.
func NewQuotaSyncWorker(tracker *billing.QuotaTracker, store storage.RequestLogStore) *QuotaSyncWorker {
	return &QuotaSyncWorker{tracker: tracker, store: store, interval: quotaSyncInterval}
}

// Name returns the worker identifier.
func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

// Run performs an initial sync, then resyncs until ctx is cancelled.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	if err := w.tracker.Sync(ctx, w.store); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "initial quota sync failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.tracker.Sync(ctx, w.store); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota sync failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
