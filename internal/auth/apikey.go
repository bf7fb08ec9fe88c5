// Package auth implements API key authentication for the Tollgate gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/crypto/bcrypt"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using API keys with the "tg_" prefix.
// It caches resolved API keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> cache key, for invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts the caller's key, validates it against the store,
// and returns the caller's Identity. Tokens arrive as Authorization: Bearer
// on OpenAI-style surfaces, x-api-key on Anthropic-native ones, and
// x-goog-api-key on Gemini-native ones. Only keys with the "tg_" prefix are
// handled; all others return ErrUnauthorized.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := extractToken(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	// The cache key is the sha256 of the raw token regardless of the key's
	// stored hash algorithm, so bcrypt hits skip the expensive compare.
	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if err := usable(key); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildIdentity(key), nil
	}

	key, err := a.lookup(ctx, raw, hash)
	if err != nil {
		return nil, err
	}
	if err := usable(key); err != nil {
		return nil, err
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// lookup resolves the raw token to a stored key row. SHA-256 keys match by
// hash; bcrypt keys match by display prefix plus compare.
func (a *APIKeyAuth) lookup(ctx context.Context, raw, hash string) (*gateway.APIKey, error) {
	key, err := a.store.GetKeyByHash(ctx, hash)
	if err == nil {
		// Belt-and-suspenders: constant-time comparison of the stored hash
		// against the computed hash. The DB lookup already matched, but this
		// guards against SQL collation or encoding surprises.
		if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
			return nil, gateway.ErrUnauthorized
		}
		return key, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}

	candidates, err := a.store.GetKeysByPrefix(ctx, gateway.PrefixOf(raw))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}
	for _, k := range candidates {
		if k.Algo != gateway.KeyAlgoBcrypt {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil {
			return k, nil
		}
	}
	return nil, gateway.ErrUnauthorized
}

// extractToken probes the credential headers in a fixed order.
func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if tok := strings.TrimPrefix(authz, "Bearer "); tok != authz && tok != "" {
		return tok
	}
	if tok := r.Header.Get("x-api-key"); tok != "" {
		return tok
	}
	return r.Header.Get("x-goog-api-key")
}

// usable rejects inactive and expired keys.
func usable(key *gateway.APIKey) error {
	if !key.IsActive {
		return gateway.ErrKeyInactive
	}
	if key.Expired(time.Now()) {
		return gateway.ErrKeyExpired
	}
	return nil
}

// InvalidateKey removes a cached API key by its key ID. Wired to the
// internal invalidation signal so revocations apply before the TTL lapses.
func (a *APIKeyAuth) InvalidateKey(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// InvalidateAll drops every cached key. The internal invalidation signal
// carries no key ID, so it clears the whole cache; the next request per key
// re-resolves against the store.
func (a *APIKeyAuth) InvalidateAll() {
	a.cache.InvalidateAll()
	a.keyIDToHash.Clear()
}

// buildIdentity constructs an Identity from a validated API key.
func buildIdentity(key *gateway.APIKey) *gateway.Identity {
	return &gateway.Identity{
		KeyID:       key.ID,
		KeyPrefix:   key.KeyPrefix,
		UpstreamIDs: key.UpstreamIDs,
	}
}
