package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/credential"
	"github.com/tollgatehq/tollgate/internal/netguard"
	"github.com/tollgatehq/tollgate/internal/route"
)

// fakeResolver resolves every hostname to a routable documentation address so
// the SSRF guard passes while the dialer routes to local test servers.
type fakeResolver struct{}

func (fakeResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("203.0.113.10")}}, nil
}

// testClient returns an http.Client that dials the given test servers by the
// hostname of the outbound target, regardless of what DNS would say.
func testClient(routes map[string]*httptest.Server) *http.Client {
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

type staticRules []*gateway.CompensationRule

func (r staticRules) CompensationRules(context.Context) ([]*gateway.CompensationRule, error) {
	return r, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func (r *captureRecorder) RecordResponse(requestID string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodies == nil {
		r.bodies = make(map[string][]byte)
	}
	r.bodies[requestID] = body
}

func newTestEngine(t *testing.T, routes map[string]*httptest.Server, rules staticRules, rec ResponseRecorder) *Engine {
	t.Helper()
	return NewEngine(testClient(routes), netguard.New(fakeResolver{}), nil, credential.NewInjector(), rules, rec)
}

func testUpstream(name, baseURL string, mut ...func(*gateway.Upstream)) *gateway.Upstream {
	up := &gateway.Upstream{
		ID:            "up-" + name,
		Name:          name,
		BaseURL:       baseURL,
		Capabilities:  gateway.Capabilities,
		Weight:        1,
		IsActive:      true,
		CredentialEnc: "sk-" + name,
	}
	for _, m := range mut {
		m(up)
	}
	return up
}

func TestEngine_DispatchRelay_Buffered(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotReqID, gotUpName string
	var gotModel gjson.Result
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-Id")
		gotUpName = r.Header.Get("X-Upstream-Name")
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer ts.Close()

	rec := &captureRecorder{}
	e := newTestEngine(t, map[string]*httptest.Server{"api.alpha.test": ts}, nil, rec)
	up := testUpstream("alpha", "http://api.alpha.test/v1px", func(u *gateway.Upstream) {
		u.ModelRedirects = map[string]string{"gpt-4o": "gpt-4o-mini"}
	})
	req := &Request{
		Method:   http.MethodPost,
		SubPath:  "/v1/chat/completions",
		Header:   http.Header{"Authorization": {"Bearer tg_client"}, "X-Upstream-Name": {"alpha"}},
		Body:     []byte(`{"model":"gpt-4o","messages":[]}`),
		Match:    route.Match{Capability: gateway.CapOpenAIChatCompatible, Family: gateway.FamilyOpenAI, Model: "gpt-4o"},
		RequestID: "req-buffered",
	}

	call, err := e.Dispatch(context.Background(), up, req)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if call.ResolvedModel != "gpt-4o-mini" || !call.Redirected {
		t.Errorf("resolved model = %q redirected = %v, want gpt-4o-mini true", call.ResolvedModel, call.Redirected)
	}

	w := httptest.NewRecorder()
	relay := e.Relay(w, call, time.Now())
	if relay.Err != nil {
		t.Fatalf("Relay() error: %v", relay.Err)
	}

	if gotPath != "/v1px/v1/chat/completions" {
		t.Errorf("upstream path = %q, want base prefix joined", gotPath)
	}
	if gotAuth != "Bearer sk-alpha" {
		t.Errorf("Authorization = %q, want injected upstream credential", gotAuth)
	}
	if gotReqID != "req-buffered" {
		t.Errorf("X-Request-Id = %q, want req-buffered", gotReqID)
	}
	if gotUpName != "" {
		t.Error("X-Upstream-Name leaked to the upstream")
	}
	if gotModel.String() != "gpt-4o-mini" {
		t.Errorf("outbound model = %q, want gpt-4o-mini", gotModel.String())
	}

	want := gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	if relay.Usage != want {
		t.Errorf("relay usage = %+v, want %+v", relay.Usage, want)
	}
	if !strings.Contains(w.Body.String(), `"id":"c1"`) {
		t.Errorf("client body = %q, want upstream payload", w.Body.String())
	}
	if got := rec.bodies["req-buffered"]; !strings.Contains(string(got), `"id":"c1"`) {
		t.Errorf("recorded body = %q, want upstream payload", got)
	}
}

func TestEngine_DispatchRelay_Stream(t *testing.T) {
	t.Parallel()

	frames := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":20,"output_tokens":1}}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":9}}` + "\n\n"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(frames))
	}))
	defer ts.Close()

	e := newTestEngine(t, map[string]*httptest.Server{"api.beta.test": ts}, nil, nil)
	req := &Request{
		Method:    http.MethodPost,
		SubPath:   "/v1/messages",
		Header:    http.Header{},
		Body:      []byte(`{"model":"claude-sonnet-4","stream":true}`),
		Match:     route.Match{Capability: gateway.CapAnthropicMessages, Family: gateway.FamilyAnthropic, Model: "claude-sonnet-4", Stream: true},
		RequestID: "req-stream",
	}

	call, err := e.Dispatch(context.Background(), testUpstream("beta", "http://api.beta.test"), req)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	w := httptest.NewRecorder()
	relay := e.Relay(w, call, time.Now())

	if relay.Err != nil {
		t.Fatalf("Relay() error: %v", relay.Err)
	}
	if !relay.Flushed || relay.TTFT <= 0 {
		t.Errorf("flushed = %v ttft = %v, want flushed with positive ttft", relay.Flushed, relay.TTFT)
	}
	want := gateway.Usage{PromptTokens: 20, CompletionTokens: 9, TotalTokens: 29}
	if relay.Usage != want {
		t.Errorf("relay usage = %+v, want %+v", relay.Usage, want)
	}
	if w.Body.String() != frames {
		t.Errorf("client body differs from upstream frames:\n%q", w.Body.String())
	}
}

// headerTrackingWriter records whether the status line was ever sent.
type headerTrackingWriter struct {
	*httptest.ResponseRecorder
	wroteHeader bool
}

func (w *headerTrackingWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseRecorder.WriteHeader(status)
}

func (w *headerTrackingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseRecorder.Write(b)
}

func dispatchTo(t *testing.T, ts *httptest.Server, reqID string) (*Engine, *Call) {
	t.Helper()
	e := newTestEngine(t, map[string]*httptest.Server{"api.relay.test": ts}, nil, nil)
	call, err := e.Dispatch(context.Background(), testUpstream("relay", "http://api.relay.test"), chatRequest(reqID))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	return e, call
}

func TestEngine_Relay_EmptyBodyCommitsStatus(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Marker", "present")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	e, call := dispatchTo(t, ts, "req-empty")
	w := &headerTrackingWriter{ResponseRecorder: httptest.NewRecorder()}
	relay := e.Relay(w, call, time.Now())

	if relay.Err != nil {
		t.Fatalf("Relay() error: %v", relay.Err)
	}
	if !w.wroteHeader {
		t.Fatal("empty body must still commit the status line")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Header().Get("X-Upstream-Marker") != "present" {
		t.Error("upstream headers not copied on empty-body commit")
	}
}

func TestEngine_Relay_ZeroByteFailureLeavesWriterUntouched(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			// Declared length never delivered: the client read fails with
			// zero bytes received.
			name: "buffered",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/x-broken")
				w.Header().Set("Content-Length", "100")
				w.Header().Set("X-From", "broken")
			},
		},
		{
			// Stream aborted after the status line but before any frame.
			name: "stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("X-From", "broken")
				w.WriteHeader(http.StatusOK)
				w.(http.Flusher).Flush()
				panic(http.ErrAbortHandler)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			e, call := dispatchTo(t, ts, "req-broken-"+tt.name)
			w := &headerTrackingWriter{ResponseRecorder: httptest.NewRecorder()}
			relay := e.Relay(w, call, time.Now())

			if relay.Err == nil {
				t.Fatal("Relay() = nil error, want a read failure")
			}
			if relay.Flushed {
				t.Error("Flushed = true, want false for zero delivered bytes")
			}
			if w.wroteHeader {
				t.Error("status line committed for a zero-byte failure; failover would inherit it")
			}
			if w.Header().Get("X-From") != "" {
				t.Error("failed attempt's headers leaked onto the writer")
			}
			if w.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", w.Body.String())
			}
		})
	}
}

func TestEngine_Dispatch_RejectsBlockedTarget(t *testing.T) {
	t.Parallel()

	e := NewEngine(&http.Client{}, netguard.New(fakeResolver{}), nil, credential.NewInjector(), nil, nil)
	req := &Request{
		Method: http.MethodPost, SubPath: "/v1/chat/completions",
		Header: http.Header{}, RequestID: "req-ssrf",
		Match: route.Match{Capability: gateway.CapOpenAIChatCompatible, Family: gateway.FamilyOpenAI},
	}

	for _, base := range []string{
		"http://127.0.0.1:8080",
		"http://169.254.169.254/latest",
		"http://10.0.0.5",
		"http://localhost:9000",
		"ftp://api.example.test",
	} {
		if _, err := e.Dispatch(context.Background(), testUpstream("evil", base), req); !errors.Is(err, gateway.ErrInvalidBaseURL) {
			t.Errorf("Dispatch(%s) error = %v, want ErrInvalidBaseURL", base, err)
		}
	}
}

func TestApplyModelRedirect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		redirects  map[string]string
		capability gateway.RouteCapability
		subPath    string
		body       string
		model      string
		wantPath   string
		wantModel  string
		wantHit    bool
	}{
		{
			name:      "body rewrite",
			redirects: map[string]string{"gpt-4o": "gpt-4o-mini"},
			subPath:   "/v1/chat/completions",
			body:      `{"model":"gpt-4o"}`,
			model:     "gpt-4o",
			wantPath:  "/v1/chat/completions",
			wantModel: "gpt-4o-mini",
			wantHit:   true,
		},
		{
			name:      "no entry for model",
			redirects: map[string]string{"gpt-4o": "gpt-4o-mini"},
			subPath:   "/v1/chat/completions",
			body:      `{"model":"o3"}`,
			model:     "o3",
			wantPath:  "/v1/chat/completions",
			wantModel: "o3",
		},
		{
			name:      "identity mapping is a no-op",
			redirects: map[string]string{"gpt-4o": "gpt-4o"},
			subPath:   "/v1/chat/completions",
			body:      `{"model":"gpt-4o"}`,
			model:     "gpt-4o",
			wantPath:  "/v1/chat/completions",
			wantModel: "gpt-4o",
		},
		{
			name:       "gemini path segment rewrite",
			redirects:  map[string]string{"gemini-2.5-pro": "gemini-2.5-flash"},
			capability: gateway.CapGeminiNativeGenerate,
			subPath:    "/v1beta/models/gemini-2.5-pro:streamGenerateContent",
			body:       `{"contents":[]}`,
			model:      "gemini-2.5-pro",
			wantPath:   "/v1beta/models/gemini-2.5-flash:streamGenerateContent",
			wantModel:  "gemini-2.5-flash",
			wantHit:    true,
		},
		{
			name:      "no model in request",
			redirects: map[string]string{"gpt-4o": "gpt-4o-mini"},
			subPath:   "/v1/models",
			body:      `{}`,
			wantPath:  "/v1/models",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			capability := tt.capability
			if capability == "" {
				capability = gateway.CapOpenAIChatCompatible
			}
			up := testUpstream("x", "http://api.x.test", func(u *gateway.Upstream) {
				u.ModelRedirects = tt.redirects
			})
			req := &Request{
				SubPath: tt.subPath,
				Body:    []byte(tt.body),
				Match:   route.Match{Capability: capability, Model: tt.model},
			}

			subPath, body, resolved, hit := applyModelRedirect(up, req)
			if subPath != tt.wantPath {
				t.Errorf("subPath = %q, want %q", subPath, tt.wantPath)
			}
			if resolved != tt.wantModel {
				t.Errorf("resolved = %q, want %q", resolved, tt.wantModel)
			}
			if hit != tt.wantHit {
				t.Errorf("redirected = %v, want %v", hit, tt.wantHit)
			}
			if tt.wantHit && capability != gateway.CapGeminiNativeGenerate {
				if got := gjson.GetBytes(body, "model").String(); got != tt.wantModel {
					t.Errorf("body model = %q, want %q", got, tt.wantModel)
				}
			}
		})
	}
}

func TestBuildTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, sub, query, want string
	}{
		{"https://api.openai.com", "/v1/chat/completions", "", "https://api.openai.com/v1/chat/completions"},
		{"https://proxy.example/openai", "/v1/chat/completions", "", "https://proxy.example/openai/v1/chat/completions"},
		{"https://proxy.example/openai/", "/v1/models", "", "https://proxy.example/openai/v1/models"},
		{"https://gen.example", "/v1beta/models/g:streamGenerateContent", "alt=sse", "https://gen.example/v1beta/models/g:streamGenerateContent?alt=sse"},
	}
	for _, tt := range tests {
		got, err := buildTargetURL(tt.base, tt.sub, tt.query)
		if err != nil {
			t.Fatalf("buildTargetURL(%q) error: %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("buildTargetURL(%q, %q, %q) = %q, want %q", tt.base, tt.sub, tt.query, got, tt.want)
		}
	}
}

func TestIsEventStream(t *testing.T) {
	t.Parallel()

	for ct, want := range map[string]bool{
		"text/event-stream":                  true,
		"text/event-stream; charset=utf-8":   true,
		"application/x-ndjson":               true,
		"application/stream+json":            true,
		"application/json":                   false,
		"application/json; charset=utf-8":    false,
		"":                                   false,
	} {
		if got := isEventStream(ct); got != want {
			t.Errorf("isEventStream(%q) = %v, want %v", ct, got, want)
		}
	}
}
