package credential

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	gateway "github.com/tollgatehq/tollgate/internal"
)

const (
	anthropicVersion = "2023-06-01"
	googleTokenURL   = "https://oauth2.googleapis.com/token"
)

// Injector sets upstream credentials on outbound headers. OAuth token
// sources are cached per upstream and refreshed by the oauth2 package.
type Injector struct {
	mu      sync.Mutex
	sources map[sourceKey]oauth2.TokenSource
}

// sourceKey ties a cached token source to the credential bytes that built
// it, so rotating a credential swaps the source.
type sourceKey struct {
	upstreamID string
	credHash   [32]byte
}

// NewInjector creates an Injector with an empty token-source cache.
func NewInjector() *Injector {
	return &Injector{sources: make(map[sourceKey]oauth2.TokenSource)}
}

// Apply injects the decrypted credential for the family. Existing client
// values for the credential headers are overwritten; a client-sent
// anthropic-version is preserved. OAuth families may block on a token
// refresh against the provider's token endpoint.
func (in *Injector) Apply(h http.Header, family gateway.ProtocolFamily, upstreamID, plaintext string) error {
	switch family {
	case gateway.FamilyAnthropic:
		h.Set("x-api-key", plaintext)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", anthropicVersion)
		}
	case gateway.FamilyOpenAI:
		h.Set("Authorization", "Bearer "+plaintext)
	case gateway.FamilyGemini:
		h.Set("x-goog-api-key", plaintext)
	case gateway.FamilyGeminiOAuth:
		tok, err := in.token(upstreamID, plaintext)
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+tok)
	default:
		return fmt.Errorf("credential: unknown protocol family %q", family)
	}
	return nil
}

// oauthCredential is the plaintext shape stored for code-assist upstreams.
type oauthCredential struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	TokenURI     string `json:"token_uri"`
}

func (in *Injector) token(upstreamID, plaintext string) (string, error) {
	key := sourceKey{upstreamID: upstreamID, credHash: sha256.Sum256([]byte(plaintext))}

	in.mu.Lock()
	ts, ok := in.sources[key]
	if !ok {
		var cred oauthCredential
		if err := json.Unmarshal([]byte(plaintext), &cred); err != nil {
			in.mu.Unlock()
			return "", fmt.Errorf("credential: parse oauth credential: %w", err)
		}
		if cred.RefreshToken == "" {
			in.mu.Unlock()
			return "", fmt.Errorf("credential: oauth credential missing refresh_token")
		}
		if cred.TokenURI == "" {
			cred.TokenURI = googleTokenURL
		}
		cfg := &oauth2.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cred.TokenURI},
		}
		// Background context: the source outlives any single request.
		base := cfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cred.RefreshToken})
		ts = oauth2.ReuseTokenSource(nil, base)

		// Drop sources for rotated credentials of the same upstream.
		for k := range in.sources {
			if k.upstreamID == upstreamID {
				delete(in.sources, k)
			}
		}
		in.sources[key] = ts
	}
	in.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("credential: obtain oauth token: %w", err)
	}
	return tok.AccessToken, nil
}
