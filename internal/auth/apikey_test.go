package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// fakeKeyStore is a minimal in-memory APIKeyStore for auth tests.
type fakeKeyStore struct {
	mu      sync.RWMutex
	byHash  map[string]*gateway.APIKey
	keys    []*gateway.APIKey
	touched map[string]int
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		byHash:  make(map[string]*gateway.APIKey),
		touched: make(map[string]int),
	}
}

// addSHAKey stores raw as a sha256-hashed key row.
func (s *fakeKeyStore) addSHAKey(raw string, key *gateway.APIKey) {
	key.KeyHash = gateway.HashKey(raw)
	key.KeyPrefix = gateway.PrefixOf(raw)
	key.Algo = gateway.KeyAlgoSHA256
	s.mu.Lock()
	s.byHash[key.KeyHash] = key
	s.keys = append(s.keys, key)
	s.mu.Unlock()
}

// addBcryptKey stores raw as a bcrypt-hashed key row.
func (s *fakeKeyStore) addBcryptKey(t *testing.T, raw string, key *gateway.APIKey) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	key.KeyHash = string(hash)
	key.KeyPrefix = gateway.PrefixOf(raw)
	key.Algo = gateway.KeyAlgoBcrypt
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
}

func (s *fakeKeyStore) UpsertKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	s.byHash[key.KeyHash] = key
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.RLock()
	k, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *fakeKeyStore) GetKeysByPrefix(_ context.Context, prefix string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeKeyStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	s.touched[id]++
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) touchCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched[id]
}

const testRawKey = "tg_test_key_12345678901234567890"

func newTestAuth(t *testing.T) (*APIKeyAuth, *fakeKeyStore) {
	t.Helper()
	store := newFakeKeyStore()
	auth, err := NewAPIKeyAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	return auth, store
}

func makeRequest(key string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addSHAKey(testRawKey, &gateway.APIKey{
		ID:          "key-1",
		IsActive:    true,
		UpstreamIDs: []string{"up-1", "up-2"},
	})

	id, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.KeyID != "key-1" {
		t.Errorf("KeyID = %q, want key-1", id.KeyID)
	}
	if id.KeyPrefix != "tg_test_" {
		t.Errorf("KeyPrefix = %q, want tg_test_", id.KeyPrefix)
	}
	if len(id.UpstreamIDs) != 2 || !id.Authorized("up-2") {
		t.Errorf("UpstreamIDs = %v", id.UpstreamIDs)
	}
}

func TestAuthenticate_HeaderVariants(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	store.addSHAKey(testRawKey, &gateway.APIKey{ID: "key-1", IsActive: true})

	tests := []struct {
		name string
		set  func(*http.Request)
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testRawKey) }},
		{"x-api-key", func(r *http.Request) { r.Header.Set("x-api-key", testRawKey) }},
		{"x-goog-api-key", func(r *http.Request) { r.Header.Set("x-goog-api-key", testRawKey) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			tt.set(r)
			id, err := auth.Authenticate(context.Background(), r)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.KeyID != "key-1" {
				t.Errorf("KeyID = %q", id.KeyID)
			}
		})
	}
}

func TestAuthenticate_BcryptKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addBcryptKey(t, testRawKey, &gateway.APIKey{ID: "key-bc", IsActive: true})
	// A sibling bcrypt key under the same prefix that must not match.
	store.addBcryptKey(t, "tg_test_other_key_000000000000", &gateway.APIKey{ID: "key-other", IsActive: true})

	id, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.KeyID != "key-bc" {
		t.Errorf("KeyID = %q, want key-bc", id.KeyID)
	}
}

func TestAuthenticate_BcryptKeyCached(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)
	store.addBcryptKey(t, testRawKey, &gateway.APIKey{ID: "key-bc", IsActive: true})

	if _, err := auth.Authenticate(context.Background(), makeRequest(testRawKey)); err != nil {
		t.Fatal(err)
	}

	// Remove backing rows -- second call must hit the cache.
	store.mu.Lock()
	store.keys = nil
	store.mu.Unlock()

	id, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != nil {
		t.Fatalf("cache miss: %v", err)
	}
	if id.KeyID != "key-bc" {
		t.Errorf("KeyID = %q", id.KeyID)
	}
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest(""))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_NonBearerToken(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err := auth.Authenticate(context.Background(), r)
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_WrongPrefix(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("sk-not-a-tollgate-key"))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_KeyNotFound(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("tg_unknown_key_does_not_exist"))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticate_InactiveKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addSHAKey(testRawKey, &gateway.APIKey{ID: "key-off", IsActive: false})

	_, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != gateway.ErrKeyInactive {
		t.Errorf("err = %v, want ErrKeyInactive", err)
	}
}

func TestAuthenticate_ExpiredKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	expired := time.Now().Add(-1 * time.Hour)
	store.addSHAKey(testRawKey, &gateway.APIKey{ID: "key-expired", IsActive: true, ExpiresAt: &expired})

	_, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != gateway.ErrKeyExpired {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}
}

func TestAuthenticate_ExpiredKeyCacheInvalidation(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	future := time.Now().Add(1 * time.Hour)
	store.addSHAKey(testRawKey, &gateway.APIKey{ID: "key-will-expire", IsActive: true, ExpiresAt: &future})

	_, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != nil {
		t.Fatal(err)
	}

	// Mutate the cached key's expiry to the past (simulates time passing).
	hash := gateway.HashKey(testRawKey)
	if cached, ok := auth.cache.GetIfPresent(hash); ok {
		past := time.Now().Add(-1 * time.Hour)
		cached.ExpiresAt = &past
	}

	_, err = auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != gateway.ErrKeyExpired {
		t.Errorf("err = %v, want ErrKeyExpired", err)
	}
	if _, ok := auth.cache.GetIfPresent(hash); ok {
		t.Error("expired key should be evicted from cache")
	}
}

func TestAuthenticate_StoreErrorPropagates(t *testing.T) {
	t.Parallel()
	auth, err := NewAPIKeyAuth(failingStore{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err == nil || errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("err = %v, want raw store error", err)
	}
}

func TestAuthenticate_TouchKeyUsed(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addSHAKey(testRawKey, &gateway.APIKey{ID: "key-touch", IsActive: true})

	if _, err := auth.Authenticate(context.Background(), makeRequest(testRawKey)); err != nil {
		t.Fatal(err)
	}

	// TouchKeyUsed runs in a goroutine; give it a moment.
	deadline := time.Now().Add(time.Second)
	for store.touchCount("key-touch") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := store.touchCount("key-touch"); n != 1 {
		t.Errorf("touch count = %d, want 1", n)
	}
}

func TestInvalidateKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addSHAKey(testRawKey, &gateway.APIKey{ID: "key-1", IsActive: true})

	if _, err := auth.Authenticate(context.Background(), makeRequest(testRawKey)); err != nil {
		t.Fatal(err)
	}

	// Deactivate in the store, then signal invalidation.
	store.mu.Lock()
	store.byHash[gateway.HashKey(testRawKey)].IsActive = false
	store.mu.Unlock()
	auth.InvalidateKey("key-1")

	_, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != gateway.ErrKeyInactive {
		t.Errorf("err = %v, want ErrKeyInactive after invalidation", err)
	}
}

func TestInvalidateAll(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addSHAKey(testRawKey, &gateway.APIKey{ID: "key-1", IsActive: true})

	if _, err := auth.Authenticate(context.Background(), makeRequest(testRawKey)); err != nil {
		t.Fatal(err)
	}

	// Remove the backing row: the cache alone keeps the key alive.
	store.mu.Lock()
	delete(store.byHash, gateway.HashKey(testRawKey))
	store.mu.Unlock()

	if _, err := auth.Authenticate(context.Background(), makeRequest(testRawKey)); err != nil {
		t.Fatalf("cached key must still authenticate: %v", err)
	}

	auth.InvalidateAll()

	_, err := auth.Authenticate(context.Background(), makeRequest(testRawKey))
	if err != gateway.ErrUnauthorized {
		t.Errorf("err = %v, want ErrUnauthorized after full invalidation", err)
	}
}

func TestExtractToken_BearerPriority(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer tg_bearer")
	r.Header.Set("x-api-key", "tg_xapikey")
	if got := extractToken(r); got != "tg_bearer" {
		t.Errorf("extractToken = %q, want tg_bearer", got)
	}

	r.Header.Del("Authorization")
	if got := extractToken(r); got != "tg_xapikey" {
		t.Errorf("extractToken = %q, want tg_xapikey", got)
	}
}

// failingStore errors on every call.
type failingStore struct{}

func (failingStore) UpsertKey(context.Context, *gateway.APIKey) error { return errDown }
func (failingStore) GetKeyByHash(context.Context, string) (*gateway.APIKey, error) {
	return nil, errDown
}
func (failingStore) GetKeysByPrefix(context.Context, string) ([]*gateway.APIKey, error) {
	return nil, errDown
}
func (failingStore) TouchKeyUsed(context.Context, string) error { return errDown }

var errDown = errors.New("store down")
