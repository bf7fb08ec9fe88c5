package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/affinity"
	"github.com/tollgatehq/tollgate/internal/billing"
	"github.com/tollgatehq/tollgate/internal/catalog"
	"github.com/tollgatehq/tollgate/internal/circuitbreaker"
	"github.com/tollgatehq/tollgate/internal/credential"
	"github.com/tollgatehq/tollgate/internal/netguard"
	"github.com/tollgatehq/tollgate/internal/proxy"
	"github.com/tollgatehq/tollgate/internal/selector"
	"github.com/tollgatehq/tollgate/internal/testutil"
)

// publicResolver maps every hostname to a routable documentation address so
// the SSRF guard passes while the dialer routes to local test servers.
type publicResolver struct{}

func (publicResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("203.0.113.20")}}, nil
}

func routedClient(routes map[string]*httptest.Server) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					host = addr
				}
				ts, ok := routes[host]
				if !ok {
					return nil, errors.New("no test route for " + host)
				}
				var d net.Dialer
				return d.DialContext(ctx, network, ts.Listener.Addr().String())
			},
		},
	}
}

type testEnv struct {
	handler http.Handler
	store   *testutil.FakeStore
	sink    *testutil.FakeSink
}

// newTestEnv wires the full request path over in-memory storage and the
// given upstream fixtures, routing outbound traffic to local test servers.
func newTestEnv(t *testing.T, upstreams []*gateway.Upstream, routes map[string]*httptest.Server) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := testutil.NewFakeStore()
	authorized := make([]string, 0, len(upstreams))
	for _, up := range upstreams {
		if err := store.UpsertUpstream(ctx, up); err != nil {
			t.Fatal(err)
		}
		authorized = append(authorized, up.ID)
	}

	cat, err := catalog.New(store, store)
	if err != nil {
		t.Fatal(err)
	}
	pricer, err := billing.NewPricer(store)
	if err != nil {
		t.Fatal(err)
	}
	quota := billing.NewQuotaTracker()
	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	sessions := affinity.NewStore(affinity.DefaultConfig())
	sel := selector.New(selector.DefaultConfig(), cat, registry, quota, sessions)

	engine := proxy.NewEngine(routedClient(routes), netguard.New(publicResolver{}),
		nil, credential.NewInjector(), cat, nil)
	exec := proxy.NewExecutor(engine, registry, nil)

	sink := &testutil.FakeSink{}
	handler := New(Deps{
		Auth:          testutil.FakeAuth{Identity: gateway.Identity{KeyID: "key-1", UpstreamIDs: authorized}},
		Selector:      sel,
		Executor:      exec,
		Sessions:      sessions,
		Pricer:        pricer,
		Quota:         quota,
		Catalog:       cat,
		Registry:      registry,
		Sink:          sink,
		ReadyCheck:    store.Ping,
		InternalToken: "internal-secret",
	})
	return &testEnv{handler: handler, store: store, sink: sink}
}

func activeUpstream(id, name, baseURL string) *gateway.Upstream {
	return &gateway.Upstream{
		ID:            id,
		Name:          name,
		BaseURL:       baseURL,
		ProviderType:  "openai",
		Capabilities:  gateway.Capabilities,
		Weight:        1,
		IsActive:      true,
		CredentialEnc: "sk-" + name,
	}
}

func TestProxy_EndToEnd(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer ts.Close()

	env := newTestEnv(t,
		[]*gateway.Upstream{activeUpstream("up-1", "primary", "http://primary.test")},
		map[string]*httptest.Server{"primary.test": ts})
	env.store.UpsertModelPrices(context.Background(), []gateway.ModelPrice{{
		Model: "gpt-4o", Source: gateway.PriceSourceSyncedCatalog,
		InputPerMTok: 2.5, OutputPerMTok: 10,
	}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	req.Header.Set("Authorization", "Bearer tg_testkey")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("response missing X-Request-Id")
	}
	if !strings.Contains(w.Body.String(), `"id":"c1"`) {
		t.Errorf("body = %q, want relayed upstream payload", w.Body.String())
	}

	log := env.sink.Last()
	if log.StatusCode != http.StatusOK {
		t.Errorf("logged status = %d, want 200", log.StatusCode)
	}
	if log.UpstreamID != "up-1" {
		t.Errorf("logged upstream = %q, want up-1", log.UpstreamID)
	}
	if log.Model != "gpt-4o" {
		t.Errorf("logged model = %q, want gpt-4o", log.Model)
	}
	if log.Usage.TotalTokens != 15 {
		t.Errorf("logged usage = %+v, want total 15", log.Usage)
	}
	if log.GroupName != string(gateway.CapOpenAIChatCompatible) {
		t.Errorf("logged group = %q, want openai_chat_compatible", log.GroupName)
	}
	if log.Decision == nil || log.Decision.ActualUpstreamID != "up-1" || !log.Decision.DidSendUpstream {
		t.Errorf("logged decision = %+v", log.Decision)
	}
	if log.Billing == nil || log.Billing.Status != gateway.BillingStatusBilled {
		t.Fatalf("logged billing = %+v, want billed", log.Billing)
	}
	// 10 prompt at $2.50/M plus 5 completion at $10/M.
	if want := 0.000075; log.Billing.FinalCostUSD != want {
		t.Errorf("cost = %v, want %v", log.Billing.FinalCostUSD, want)
	}
}

func TestProxy_FailoverLogged(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer good.Close()

	first := activeUpstream("up-a", "first", "http://first.test")
	second := activeUpstream("up-b", "second", "http://second.test")
	second.Priority = 1
	env := newTestEnv(t, []*gateway.Upstream{first, second},
		map[string]*httptest.Server{"first.test": bad, "second.test": good})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer tg_testkey")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	log := env.sink.Last()
	if log.FailoverCount != 1 {
		t.Fatalf("failover count = %d, want 1", log.FailoverCount)
	}
	if log.FailoverHistory[0].UpstreamID != "up-a" {
		t.Errorf("failed attempt = %+v, want up-a", log.FailoverHistory[0])
	}
	if log.UpstreamID != "up-b" {
		t.Errorf("served by %q, want up-b", log.UpstreamID)
	}
}

func TestProxy_ClientDisconnectMidStream(t *testing.T) {
	t.Parallel()

	sent := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		close(sent)
		// Hold the stream open until the gateway drops the connection.
		<-r.Context().Done()
	}))
	defer ts.Close()

	env := newTestEnv(t,
		[]*gateway.Upstream{activeUpstream("up-1", "primary", "http://primary.test")},
		map[string]*httptest.Server{"primary.test": ts})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sent
		cancel()
	}()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true}`)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tg_testkey")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "par") {
		t.Fatalf("body = %q, want the delivered frame", w.Body.String())
	}
	// The peer is gone; no in-band error event goes out.
	if strings.Contains(w.Body.String(), "event: error") {
		t.Errorf("body = %q, want no terminal error event after a disconnect", w.Body.String())
	}

	log := env.sink.Last()
	if log.StatusCode != gateway.StatusClientClosedRequest {
		t.Errorf("logged status = %d, want 499", log.StatusCode)
	}
	if log.ErrorMessage == "" {
		t.Error("logged error message empty, want the disconnect reason")
	}
	if log.Decision == nil || log.Decision.FailureStage != gateway.StageStreamInterrupt {
		t.Errorf("logged decision = %+v, want stream_interrupt", log.Decision)
	}
}

func TestProxy_Unauthorized(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)
	h := New(Deps{Auth: testutil.RejectAuth{}, Sink: env.sink})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var env2 gateway.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env2); err != nil {
		t.Fatalf("body not an envelope: %v", err)
	}
	if env2.Error.Code != gateway.CodeUnauthorized || env2.Error.Type != "authentication_error" {
		t.Errorf("envelope = %+v", env2.Error)
	}
}

func TestProxy_UnsupportedRoute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []*gateway.Upstream{activeUpstream("up-1", "primary", "http://primary.test")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/fine-tuning/jobs", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer tg_testkey")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var envlp gateway.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &envlp); err != nil {
		t.Fatal(err)
	}
	if envlp.Error.Code != gateway.CodeUnsupportedRoute {
		t.Errorf("code = %s, want UNSUPPORTED_ROUTE", envlp.Error.Code)
	}
	if log := env.sink.Last(); log.RoutingType != gateway.RouteNone {
		t.Errorf("logged routing type = %s, want none", log.RoutingType)
	}
}

func TestProxy_BodyTooLarge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []*gateway.Upstream{activeUpstream("up-1", "primary", "http://primary.test")}, nil)
	big := strings.Repeat("x", proxy.MaxInboundBody+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(big))
	req.Header.Set("Authorization", "Bearer tg_testkey")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	a := activeUpstream("up-1", "alpha", "http://alpha.test")
	a.AllowedModels = []string{"gpt-4o", "o3"}
	b := activeUpstream("up-2", "beta", "http://beta.test")
	b.ModelRedirects = map[string]string{"claude-opus-4": "claude-sonnet-4"}
	env := newTestEnv(t, []*gateway.Upstream{a, b}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer tg_testkey")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp modelListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(resp.Data))
	for i, m := range resp.Data {
		got[i] = m.ID
	}
	want := []string{"claude-opus-4", "gpt-4o", "o3"}
	if len(got) != len(want) {
		t.Fatalf("models = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("models = %v, want %v", got, want)
		}
	}
}

func TestInternalPlane(t *testing.T) {
	t.Parallel()

	invalidated := false
	env := newTestEnv(t, []*gateway.Upstream{activeUpstream("up-1", "primary", "http://primary.test")}, nil)
	h := New(Deps{
		Auth:          testutil.FakeAuth{},
		Catalog:       mustCatalog(t, env.store),
		Registry:      circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		Quota:         billing.NewQuotaTracker(),
		InternalToken: "internal-secret",
		Invalidate:    func() { invalidated = true },
	})

	req := httptest.NewRequest(http.MethodGet, "/internal/upstreams", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/upstreams", nil)
	req.Header.Set("Authorization", "Bearer internal-secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with token: status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"primary"`) {
		t.Errorf("body = %q, want upstream listing", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "sk-") {
		t.Error("internal listing leaked a credential")
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/invalidate", nil)
	req.Header.Set("Authorization", "Bearer internal-secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("invalidate: status = %d, want 204", w.Code)
	}
	if !invalidated {
		t.Error("invalidation signal not propagated")
	}
}

func mustCatalog(t *testing.T, store *testutil.FakeStore) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(store, store)
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, nil)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", w.Code)
	}

	env.store.PingErr = errors.New("db gone")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing ping = %d, want 503", w.Code)
	}
}
