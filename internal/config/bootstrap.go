package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/credential"
	"github.com/tollgatehq/tollgate/internal/storage"
)

// Bootstrap seeds the database from the config file on startup. Rows that
// already exist are left untouched, so hand edits via the store survive
// restarts. Upstream credentials are encrypted with the cipher before
// persisting; a nil cipher stores them as-is (dev mode).
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, cipher *credential.Cipher) error {
	if err := seedUpstreams(ctx, cfg, store, cipher); err != nil {
		return err
	}
	if err := seedKeys(ctx, cfg, store); err != nil {
		return err
	}
	if err := seedRules(ctx, cfg, store); err != nil {
		return err
	}
	return seedPrices(ctx, cfg, store)
}

func seedUpstreams(ctx context.Context, cfg *Config, store storage.Store, cipher *credential.Cipher) error {
	for _, e := range cfg.Upstreams {
		// The name doubles as the row ID so key grants can reference it.
		if existing, _ := store.GetUpstream(ctx, e.Name); existing != nil {
			continue
		}

		caps := make([]gateway.RouteCapability, 0, len(e.Capabilities))
		for _, c := range e.Capabilities {
			rc := gateway.RouteCapability(c)
			if !rc.Valid() {
				return fmt.Errorf("upstream %q: unknown capability %q", e.Name, c)
			}
			caps = append(caps, rc)
		}
		if len(caps) == 0 {
			return fmt.Errorf("upstream %q: at least one capability required", e.Name)
		}

		enc, err := cipher.Encrypt(e.Credential)
		if err != nil {
			return fmt.Errorf("upstream %q: encrypt credential: %w", e.Name, err)
		}

		up := &gateway.Upstream{
			ID:                   e.Name,
			Name:                 e.Name,
			BaseURL:              e.BaseURL,
			ProviderType:         e.ProviderType,
			Capabilities:         caps,
			Priority:             e.Priority,
			Weight:               max(1, e.Weight),
			IsActive:             e.IsEnabled(),
			AllowedModels:        e.AllowedModels,
			ModelRedirects:       e.ModelRedirects,
			CredentialEnc:        enc,
			TimeoutSeconds:       e.TimeoutSeconds,
			DailySpendingLimit:   e.DailySpendingLimit,
			MonthlySpendingLimit: e.MonthlySpendingLimit,
			BillingInputMult:     defaultMult(e.BillingInputMult),
			BillingOutputMult:    defaultMult(e.BillingOutputMult),
		}
		if cb := e.CircuitBreaker; cb != nil {
			up.CircuitBreaker = &gateway.CircuitBreakerConfig{
				FailureThreshold: cb.FailureThreshold,
				OpenDurationMs:   cb.OpenDurationMs,
				HalfOpenProbes:   cb.HalfOpenProbes,
				MaxConcurrent:    cb.MaxConcurrent,
			}
		}
		if am := e.AffinityMigration; am != nil {
			up.AffinityMigration = &gateway.AffinityMigration{
				Enabled:   am.Enabled,
				Metric:    am.Metric,
				Threshold: am.Threshold,
			}
		}
		if err := store.UpsertUpstream(ctx, up); err != nil {
			return err
		}
		slog.Info("bootstrapped upstream", "name", up.Name)
	}
	return nil
}

func seedKeys(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}

		algo := k.Algo
		if algo == "" {
			algo = gateway.KeyAlgoSHA256
		}
		var hash string
		switch algo {
		case gateway.KeyAlgoSHA256:
			hash = gateway.HashKey(k.Key)
			if existing, _ := store.GetKeyByHash(ctx, hash); existing != nil {
				continue
			}
		case gateway.KeyAlgoBcrypt:
			if existingKeyWithPrefix(ctx, store, k.Key) {
				continue
			}
			h, err := bcrypt.GenerateFromPassword([]byte(k.Key), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("key %q: bcrypt: %w", k.Name, err)
			}
			hash = string(h)
		default:
			return fmt.Errorf("key %q: unknown algo %q", k.Name, algo)
		}

		var expires *time.Time
		if k.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, k.ExpiresAt)
			if err != nil {
				return fmt.Errorf("key %q: parse expires_at: %w", k.Name, err)
			}
			expires = &t
		}

		key := &gateway.APIKey{
			ID:          uuid.Must(uuid.NewV7()).String(),
			KeyHash:     hash,
			KeyPrefix:   gateway.PrefixOf(k.Key),
			Algo:        algo,
			IsActive:    true,
			ExpiresAt:   expires,
			UpstreamIDs: k.Upstreams,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.UpsertKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", key.KeyPrefix)
	}
	return nil
}

// existingKeyWithPrefix matches a bcrypt seed against stored rows the same
// way the authenticator does.
func existingKeyWithPrefix(ctx context.Context, store storage.Store, raw string) bool {
	candidates, _ := store.GetKeysByPrefix(ctx, gateway.PrefixOf(raw))
	for _, c := range candidates {
		if c.Algo == gateway.KeyAlgoBcrypt &&
			bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(raw)) == nil {
			return true
		}
	}
	return false
}

// builtInRules are seeded on every startup if absent. The session_id rule
// backfills the sticky-session header for OpenAI-protocol clients that send
// it under a different name.
var builtInRules = []gateway.CompensationRule{
	{
		ID:           "session-id",
		Capabilities: []gateway.RouteCapability{gateway.CapOpenAIChatCompatible, gateway.CapCodexResponses},
		Sources:      []string{"session_id", "x-session-id", "x_session_id"},
		TargetHeader: "session_id",
		Mode:         gateway.CompensateMissingOnly,
		BuiltIn:      true,
		Enabled:      true,
	},
}

func seedRules(ctx context.Context, cfg *Config, store storage.Store) error {
	existing, err := store.ListCompensationRules(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, r := range existing {
		have[r.ID] = true
	}

	for _, r := range builtInRules {
		if have[r.ID] {
			continue
		}
		rule := r
		if err := store.UpsertRule(ctx, &rule); err != nil {
			return err
		}
		slog.Info("bootstrapped built-in rule", "id", rule.ID)
	}

	for _, e := range cfg.Rules {
		if e.ID == "" || have[e.ID] {
			continue
		}
		caps := make([]gateway.RouteCapability, 0, len(e.Capabilities))
		for _, c := range e.Capabilities {
			rc := gateway.RouteCapability(c)
			if !rc.Valid() {
				return fmt.Errorf("rule %q: unknown capability %q", e.ID, c)
			}
			caps = append(caps, rc)
		}
		mode := e.Mode
		if mode == "" {
			mode = gateway.CompensateMissingOnly
		}
		rule := &gateway.CompensationRule{
			ID:           e.ID,
			Capabilities: caps,
			Sources:      e.Sources,
			TargetHeader: e.TargetHeader,
			Mode:         mode,
			Enabled:      e.IsEnabled(),
		}
		if err := store.UpsertRule(ctx, rule); err != nil {
			return err
		}
		slog.Info("bootstrapped rule", "id", rule.ID)
	}
	return nil
}

func seedPrices(ctx context.Context, cfg *Config, store storage.Store) error {
	if len(cfg.Prices) == 0 {
		return nil
	}
	now := time.Now()
	prices := make([]gateway.ModelPrice, 0, len(cfg.Prices))
	for _, p := range cfg.Prices {
		prices = append(prices, gateway.ModelPrice{
			Model:          p.Model,
			Source:         gateway.PriceSourceManualOverride,
			InputPerMTok:   p.InputPerMTok,
			OutputPerMTok:  p.OutputPerMTok,
			CacheReadPerM:  p.CacheReadPerM,
			CacheWritePerM: p.CacheWritePerM,
			UpdatedAt:      now,
		})
	}
	if err := store.UpsertModelPrices(ctx, prices); err != nil {
		return err
	}
	slog.Info("bootstrapped manual price overrides", "count", len(prices))
	return nil
}

func defaultMult(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	return v
}
