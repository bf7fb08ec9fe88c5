package route

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	gateway "github.com/tollgatehq/tollgate/internal"
)

func TestClassify_PathTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path       string
		body       string
		capability gateway.RouteCapability
		model      string
	}{
		{"/v1/messages", `{"model":"claude-sonnet-4"}`, gateway.CapAnthropicMessages, "claude-sonnet-4"},
		{"/v1/messages/count_tokens", `{"model":"claude-sonnet-4"}`, gateway.CapAnthropicMessages, "claude-sonnet-4"},
		{"/v1/chat/completions", `{"model":"gpt-4o"}`, gateway.CapOpenAIChatCompatible, "gpt-4o"},
		{"/v1/completions", `{"model":"gpt-3.5-turbo-instruct"}`, gateway.CapOpenAIExtended, "gpt-3.5-turbo-instruct"},
		{"/v1/embeddings", `{"model":"text-embedding-3-small"}`, gateway.CapOpenAIExtended, "text-embedding-3-small"},
		{"/v1/responses", `{"model":"gpt-4o"}`, gateway.CapCodexResponses, "gpt-4o"},
		{"/v1/models/gemini-2.0-flash:generateContent", `{}`, gateway.CapGeminiNativeGenerate, "gemini-2.0-flash"},
		{"/v1beta/models/gemini-2.0-flash:countTokens", `{}`, gateway.CapGeminiNativeGenerate, "gemini-2.0-flash"},
		{"/v1internal:generateContent", `{"model":"gemini-2.5-pro"}`, gateway.CapGeminiCodeAssist, "gemini-2.5-pro"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			m, err := Classify(http.MethodPost, tt.path, nil, []byte(tt.body))
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if m.Capability != tt.capability {
				t.Fatalf("capability = %s, want %s", m.Capability, tt.capability)
			}
			if m.Model != tt.model {
				t.Fatalf("model = %q, want %q", m.Model, tt.model)
			}
			if m.Source != SourcePath {
				t.Fatalf("source = %s, want path", m.Source)
			}
			if m.Family != tt.capability.Family() {
				t.Fatalf("family = %s, want %s", m.Family, tt.capability.Family())
			}
		})
	}
}

func TestClassify_ModelFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model      string
		capability gateway.RouteCapability
	}{
		{"claude-3-5-sonnet-20241022", gateway.CapAnthropicMessages},
		{"gpt-4o-mini", gateway.CapOpenAIChatCompatible},
		{"o1-preview", gateway.CapOpenAIChatCompatible},
		{"o3-mini", gateway.CapOpenAIChatCompatible},
		{"o4-mini", gateway.CapOpenAIChatCompatible},
		{"chatgpt-4o-latest", gateway.CapOpenAIChatCompatible},
		{"text-embedding-3-large", gateway.CapOpenAIChatCompatible},
		{"gemini-2.0-flash", gateway.CapGeminiNativeGenerate},
		{"GPT-4o", gateway.CapOpenAIChatCompatible}, // case-insensitive prefix
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			m, err := Classify(http.MethodPost, "/api/generate", nil, []byte(`{"model":"`+tt.model+`"}`))
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if m.Capability != tt.capability {
				t.Fatalf("capability = %s, want %s", m.Capability, tt.capability)
			}
			if m.Source != SourceModelFallback {
				t.Fatalf("source = %s, want model_fallback", m.Source)
			}
		})
	}
}

func TestClassify_Unsupported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"unknown path no model", http.MethodPost, "/v2/everything", `{}`},
		{"unknown model prefix", http.MethodPost, "/api/generate", `{"model":"llama-3-70b"}`},
		{"get on proxy path", http.MethodGet, "/v1/messages", ``},
		{"gemini path without verb", http.MethodPost, "/v1/models/gemini-2.0-flash", `{}`},
		{"gemini unknown verb", http.MethodPost, "/v1/models/gemini-2.0-flash:embedContent", `{}`},
		{"gemini empty model", http.MethodPost, "/v1/models/:generateContent", `{}`},
		{"code assist unknown verb", http.MethodPost, "/v1internal:loadCodeAssist", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Classify(tt.method, tt.path, nil, []byte(tt.body))
			if !errors.Is(err, gateway.ErrUnsupportedRoute) {
				t.Fatalf("err = %v, want ErrUnsupportedRoute", err)
			}
		})
	}
}

func TestClassify_StreamDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		query  string
		body   string
		stream bool
	}{
		{"stream true", "/v1/chat/completions", "", `{"model":"gpt-4o","stream":true}`, true},
		{"stream false", "/v1/chat/completions", "", `{"model":"gpt-4o","stream":false}`, false},
		{"stream absent", "/v1/messages", "", `{"model":"claude-sonnet-4"}`, false},
		{"stream_options present", "/v1/chat/completions", "", `{"model":"gpt-4o","stream_options":{"include_usage":true}}`, true},
		{"sse flag", "/v1/responses", "", `{"model":"gpt-4o","sse":true}`, true},
		{"gemini stream verb", "/v1beta/models/gemini-2.0-flash:streamGenerateContent", "", `{}`, true},
		{"gemini unary verb", "/v1beta/models/gemini-2.0-flash:generateContent", "", `{}`, false},
		{"gemini alt=sse", "/v1beta/models/gemini-2.0-flash:generateContent", "alt=sse", `{}`, true},
		{"code assist stream verb", "/v1internal:streamGenerateContent", "", `{"model":"gemini-2.5-pro"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			m, err := Classify(http.MethodPost, tt.path, q, []byte(tt.body))
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if m.Stream != tt.stream {
				t.Fatalf("stream = %v, want %v", m.Stream, tt.stream)
			}
		})
	}
}

func TestClassify_ProbeIgnoresBodyTail(t *testing.T) {
	t.Parallel()

	// stream:true buried past the probe window must not flip detection.
	pad := strings.Repeat("x", probeLimit)
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"` + pad + `"}],"stream":true}`
	m, err := Classify(http.MethodPost, "/v1/chat/completions", nil, []byte(body))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if m.Capability != gateway.CapOpenAIChatCompatible {
		t.Fatalf("capability = %s", m.Capability)
	}
	if m.Stream {
		t.Fatal("stream flag read past the probe window")
	}
}
