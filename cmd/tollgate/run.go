package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"
	"gopkg.in/natefinch/lumberjack.v2"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/affinity"
	"github.com/tollgatehq/tollgate/internal/auth"
	"github.com/tollgatehq/tollgate/internal/billing"
	"github.com/tollgatehq/tollgate/internal/catalog"
	"github.com/tollgatehq/tollgate/internal/circuitbreaker"
	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/credential"
	"github.com/tollgatehq/tollgate/internal/netguard"
	"github.com/tollgatehq/tollgate/internal/proxy"
	"github.com/tollgatehq/tollgate/internal/selector"
	"github.com/tollgatehq/tollgate/internal/server"
	"github.com/tollgatehq/tollgate/internal/storage"
	"github.com/tollgatehq/tollgate/internal/storage/clickhouse"
	"github.com/tollgatehq/tollgate/internal/storage/sqlite"
	"github.com/tollgatehq/tollgate/internal/telemetry"
	"github.com/tollgatehq/tollgate/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := setupLogging(cfg.Logging)
	slog.Info("starting tollgate", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing.
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Metrics.
	var (
		metrics  *telemetry.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		gatherer = reg
	}

	// Credential cipher. A nil cipher stores and reads plaintext (dev mode).
	cipher, err := credential.NewCipher(cfg.Proxy.MasterKey)
	if err != nil {
		return err
	}
	if cipher == nil {
		slog.Warn("no master key configured; upstream credentials stored in plaintext")
	}

	// Primary store.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store, cipher); err != nil {
		return err
	}

	// Optional analytics sink.
	logStores := []storage.RequestLogStore{store}
	if cfg.ClickHouse.Enabled() {
		ch, err := clickhouse.Open(ctx, clickhouse.Config{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Table:    cfg.ClickHouse.Table,
		})
		if err != nil {
			return err
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			return err
		}
		logStores = append(logStores, ch)
		slog.Info("clickhouse analytics sink enabled", "addr", cfg.ClickHouse.Addr)
	}

	// Core services.
	cat, err := catalog.New(store, store)
	if err != nil {
		return err
	}
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}
	pricer, err := billing.NewPricer(store)
	if err != nil {
		return err
	}
	quota := billing.NewQuotaTracker()
	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	sessions := affinity.NewStore(affinity.DefaultConfig())

	selCfg := selector.Config{MaxAttempts: cfg.Proxy.MaxFailoverAttempts}
	if len(cfg.Proxy.Strategies) > 0 {
		selCfg.Strategies = make(map[gateway.RouteCapability]gateway.SelectionStrategy, len(cfg.Proxy.Strategies))
		for capability, strategy := range cfg.Proxy.Strategies {
			selCfg.Strategies[gateway.RouteCapability(capability)] = gateway.SelectionStrategy(strategy)
		}
	}
	sel := selector.New(selCfg, cat, registry, quota, sessions)

	// Outbound path: cached DNS feeding both the SSRF guard and the dialer.
	resolver := &dnscache.Resolver{}
	guard := netguard.New(resolver)
	client := &http.Client{Transport: proxy.NewTransport(resolver, guard)}

	engine := proxy.NewEngine(client, guard, cipher, credential.NewInjector(), cat, nil)
	executor := proxy.NewExecutor(engine, registry, metrics)

	recorder := worker.NewRecorder(metrics, logStores...)

	invalidate := func() {
		cat.Invalidate()
		pricer.Invalidate()
		apiKeyAuth.InvalidateAll()
	}

	workers := []worker.Worker{
		recorder,
		worker.NewQuotaSyncWorker(quota, store),
		worker.NewSweepWorker(registry),
		worker.NewResolverWorker(resolver),
		affinity.NewJanitor(sessions, time.Minute),
		config.NewWatcher(configPath, level, invalidate),
	}
	if cfg.Billing.CatalogURL != "" {
		workers = append(workers,
			worker.NewCatalogSyncWorker(cfg.Billing.CatalogURL, cfg.Billing.SyncInterval, nil, store, pricer))
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	handler := server.New(server.Deps{
		Auth:          apiKeyAuth,
		Selector:      sel,
		Executor:      executor,
		Sessions:      sessions,
		Pricer:        pricer,
		Quota:         quota,
		Catalog:       cat,
		Registry:      registry,
		Sink:          recorder,
		Metrics:       metrics,
		Gatherer:      gatherer,
		ReadyCheck:    store.Ping,
		Invalidate:    invalidate,
		InternalToken: cfg.Proxy.InternalToken,
		ProxyPrefix:   cfg.Proxy.Prefix,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("tollgate ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the server: the recorder drains buffered logs.
	stopWorkers()
	select {
	case <-workerErrCh:
	case <-shutdownCtx.Done():
	}

	slog.Info("tollgate stopped")
	return nil
}

// setupLogging installs the global slog handler and returns the level var
// the config watcher retunes on reload.
func setupLogging(cfg config.LoggingConfig) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(config.ParseLevel(cfg.Level))

	var out io.Writer = os.Stdout
	if cfg.File.Path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return level
}
