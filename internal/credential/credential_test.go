package credential

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	gateway "github.com/tollgatehq/tollgate/internal"
)

const testKeyHex = "2b7e151628aed2a6abf7158809cf4f3c2b7e151628aed2a6abf7158809cf4f3c"

func TestCipher_RoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKeyHex)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	enc, err := c.Encrypt("sk-ant-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if enc == "sk-ant-secret" {
		t.Fatal("ciphertext equals plaintext")
	}
	got, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "sk-ant-secret" {
		t.Fatalf("Decrypt = %q", got)
	}
}

func TestCipher_Base64Key(t *testing.T) {
	t.Parallel()

	raw, _ := hex.DecodeString(testKeyHex)
	c, err := NewCipher(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("NewCipher(base64): %v", err)
	}
	enc, _ := c.Encrypt("v")
	if got, _ := c.Decrypt(enc); got != "v" {
		t.Fatalf("round trip via base64 key = %q", got)
	}
}

func TestCipher_NilPassthrough(t *testing.T) {
	t.Parallel()

	c, err := NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher(\"\"): %v", err)
	}
	if c != nil {
		t.Fatal("empty master key must produce a nil cipher")
	}
	if got, _ := c.Decrypt("plain"); got != "plain" {
		t.Fatalf("nil Decrypt = %q, want passthrough", got)
	}
	if got, _ := c.Encrypt("plain"); got != "plain" {
		t.Fatalf("nil Encrypt = %q, want passthrough", got)
	}
}

func TestCipher_BadInputs(t *testing.T) {
	t.Parallel()

	if _, err := NewCipher("short"); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}

	c, _ := NewCipher(testKeyHex)
	if _, err := c.Decrypt("!!not-base64!!"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := c.Decrypt("AAAA"); err == nil {
		t.Fatal("expected too-short error")
	}

	other, _ := NewCipher(strings.Repeat("ab", 32))
	enc, _ := other.Encrypt("secret")
	if _, err := c.Decrypt(enc); err == nil {
		t.Fatal("expected auth failure decrypting with wrong key")
	}
}

func TestInjector_StaticFamilies(t *testing.T) {
	t.Parallel()

	in := NewInjector()

	h := http.Header{}
	if err := in.Apply(h, gateway.FamilyAnthropic, "up-1", "sk-ant-x"); err != nil {
		t.Fatal(err)
	}
	if h.Get("x-api-key") != "sk-ant-x" {
		t.Fatalf("x-api-key = %q", h.Get("x-api-key"))
	}
	if h.Get("anthropic-version") != anthropicVersion {
		t.Fatalf("anthropic-version = %q", h.Get("anthropic-version"))
	}

	h = http.Header{}
	h.Set("anthropic-version", "2024-10-22")
	_ = in.Apply(h, gateway.FamilyAnthropic, "up-1", "sk-ant-x")
	if h.Get("anthropic-version") != "2024-10-22" {
		t.Fatal("client anthropic-version must be preserved")
	}

	h = http.Header{}
	if err := in.Apply(h, gateway.FamilyOpenAI, "up-2", "sk-oai"); err != nil {
		t.Fatal(err)
	}
	if h.Get("Authorization") != "Bearer sk-oai" {
		t.Fatalf("Authorization = %q", h.Get("Authorization"))
	}

	h = http.Header{}
	if err := in.Apply(h, gateway.FamilyGemini, "up-3", "AIzaKey"); err != nil {
		t.Fatal(err)
	}
	if h.Get("x-goog-api-key") != "AIzaKey" {
		t.Fatalf("x-goog-api-key = %q", h.Get("x-goog-api-key"))
	}

	if err := in.Apply(http.Header{}, "bogus", "up-4", "x"); err == nil {
		t.Fatal("expected error for unknown family")
	}
}

func TestInjector_OAuthTokenSourceCached(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	cred, _ := json.Marshal(oauthCredential{
		ClientID:     "cid",
		ClientSecret: "secret",
		RefreshToken: "refresh-1",
		TokenURI:     srv.URL,
	})

	in := NewInjector()
	for range 3 {
		h := http.Header{}
		if err := in.Apply(h, gateway.FamilyGeminiOAuth, "up-ca", string(cred)); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if h.Get("Authorization") != "Bearer ya29.token" {
			t.Fatalf("Authorization = %q", h.Get("Authorization"))
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("token endpoint hit %d times, want 1 (cached)", got)
	}
}

func TestInjector_OAuthBadCredential(t *testing.T) {
	t.Parallel()

	in := NewInjector()
	if err := in.Apply(http.Header{}, gateway.FamilyGeminiOAuth, "up", "not json"); err == nil {
		t.Fatal("expected parse error")
	}
	if err := in.Apply(http.Header{}, gateway.FamilyGeminiOAuth, "up", `{"client_id":"x"}`); err == nil {
		t.Fatal("expected missing refresh_token error")
	}
}
