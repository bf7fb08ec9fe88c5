package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tollgatehq/tollgate/internal/billing"
	"github.com/tollgatehq/tollgate/internal/storage"
)

const (
	defaultCatalogInterval = 24 * time.Hour
	catalogFetchTimeout    = 2 * time.Minute
	maxCatalogSize         = 64 << 20
)

// CatalogSyncWorker refreshes synced_catalog price rows from a remote
// LiteLLM-format price catalog. Manual overrides are never touched.
type CatalogSyncWorker struct {
	url      string
	interval time.Duration
	client   *http.Client
	store    storage.PriceStore
	pricer   *billing.Pricer
}

// NewCatalogSyncWorker creates a CatalogSyncWorker. A zero interval gets
// the daily default.
func NewCatalogSyncWorker(url string, interval time.Duration, client *http.Client, store storage.PriceStore, pricer *billing.Pricer) *CatalogSyncWorker {
	if interval <= 0 {
		interval = defaultCatalogInterval
	}
	if client == nil {
		client = &http.Client{Timeout: catalogFetchTimeout}
	}
	return &CatalogSyncWorker{
		url:      url,
		interval: interval,
		client:   client,
		store:    store,
		pricer:   pricer,
	}
}

// Name returns the worker identifier.
func (w *CatalogSyncWorker) Name() string { return "catalog_sync" }

// Run syncs once at startup, then on the interval until ctx is cancelled.
// Sync failures are logged and retried next tick; stale prices beat no
// prices.
func (w *CatalogSyncWorker) Run(ctx context.Context) error {
	w.syncOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CatalogSyncWorker) syncOnce(ctx context.Context) {
	start := time.Now()
	n, err := w.sync(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "price catalog sync failed",
			slog.String("url", w.url),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "price catalog synced",
		slog.Int("models", n),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

func (w *CatalogSyncWorker) sync(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("catalog fetch: status %d", resp.StatusCode)
	}
	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return 0, err
	}

	prices := billing.ParseLiteLLMCatalog(doc, time.Now())
	if len(prices) == 0 {
		return 0, fmt.Errorf("catalog parsed to zero models")
	}
	if err := w.store.UpsertModelPrices(ctx, prices); err != nil {
		return 0, err
	}
	w.pricer.Invalidate()
	return len(prices), nil
}
