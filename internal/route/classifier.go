// Package route classifies inbound requests into route capabilities and
// extracts the session identity used for upstream affinity.
package route

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// probeLimit bounds how much of the buffered body the classifier inspects.
// Model and stream fields sit at the top level of every vendor schema, so
// the first 64 KiB is always enough.
const probeLimit = 64 << 10

// MatchSource records how a request was classified.
type MatchSource string

const (
	SourcePath          MatchSource = "path"
	SourceModelFallback MatchSource = "model_fallback"
)

// Match is the classifier verdict for one request.
type Match struct {
	Capability gateway.RouteCapability
	Family     gateway.ProtocolFamily
	Model      string
	Source     MatchSource
	Stream     bool
}

// pathRule maps an exact sub-path to a capability. Gemini paths carry the
// model inline and are matched structurally instead.
var pathRules = map[string]gateway.RouteCapability{
	"/v1/messages":              gateway.CapAnthropicMessages,
	"/v1/messages/count_tokens": gateway.CapAnthropicMessages,
	"/v1/chat/completions":      gateway.CapOpenAIChatCompatible,
	"/v1/completions":           gateway.CapOpenAIExtended,
	"/v1/embeddings":            gateway.CapOpenAIExtended,
	"/v1/responses":             gateway.CapCodexResponses,
}

// modelPrefixRules resolve ambiguous paths by the vendor prefix of the
// body's model field. Order matters: first match wins.
var modelPrefixRules = []struct {
	prefix     string
	capability gateway.RouteCapability
}{
	{"claude", gateway.CapAnthropicMessages},
	{"gpt-", gateway.CapOpenAIChatCompatible},
	{"o1", gateway.CapOpenAIChatCompatible},
	{"o3", gateway.CapOpenAIChatCompatible},
	{"o4", gateway.CapOpenAIChatCompatible},
	{"chatgpt", gateway.CapOpenAIChatCompatible},
	{"text-embedding", gateway.CapOpenAIChatCompatible},
	{"gemini", gateway.CapGeminiNativeGenerate},
}

// geminiVerbs are the RPC-style suffixes of the native Gemini surface.
var geminiVerbs = map[string]bool{
	"generateContent":       true,
	"streamGenerateContent": true,
	"countTokens":           true,
}

// Classify maps an inbound request to a capability. The path must already
// have the proxy prefix stripped. A failed match returns ErrUnsupportedRoute.
func Classify(method, path string, query url.Values, body []byte) (Match, error) {
	if len(body) > probeLimit {
		body = body[:probeLimit]
	}

	if method == http.MethodPost {
		if capability, ok := pathRules[path]; ok {
			return finish(capability, SourcePath, modelField(body), false, query, body), nil
		}
		if m, ok := matchGeminiModels(path); ok {
			return finish(gateway.CapGeminiNativeGenerate, SourcePath, m.model, m.streamVerb, query, body), nil
		}
		if m, ok := matchCodeAssist(path); ok {
			return finish(gateway.CapGeminiCodeAssist, SourcePath, modelField(body), m.streamVerb, query, body), nil
		}
		if capability, ok := matchModelFallback(body); ok {
			return finish(capability, SourceModelFallback, modelField(body), false, query, body), nil
		}
	}
	return Match{}, fmt.Errorf("%w: %s %s", gateway.ErrUnsupportedRoute, method, path)
}

func finish(capability gateway.RouteCapability, src MatchSource, model string, streamVerb bool, query url.Values, body []byte) Match {
	return Match{
		Capability: capability,
		Family:     capability.Family(),
		Model:      model,
		Source:     src,
		Stream:     streamVerb || streamRequested(query, body),
	}
}

type geminiMatch struct {
	model      string
	streamVerb bool
}

// matchGeminiModels parses /v1/models/{model}:{verb} and the /v1beta form.
func matchGeminiModels(path string) (geminiMatch, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/models/")
	if !ok {
		rest, ok = strings.CutPrefix(path, "/v1beta/models/")
	}
	if !ok || rest == "" {
		return geminiMatch{}, false
	}
	model, verb, ok := strings.Cut(rest, ":")
	if !ok || model == "" || strings.Contains(model, "/") || !geminiVerbs[verb] {
		return geminiMatch{}, false
	}
	return geminiMatch{model: model, streamVerb: verb == "streamGenerateContent"}, true
}

// matchCodeAssist parses /v1internal:{verb}.
func matchCodeAssist(path string) (geminiMatch, bool) {
	verb, ok := strings.CutPrefix(path, "/v1internal:")
	if !ok || !geminiVerbs[verb] {
		return geminiMatch{}, false
	}
	return geminiMatch{streamVerb: verb == "streamGenerateContent"}, true
}

func matchModelFallback(body []byte) (gateway.RouteCapability, bool) {
	model := modelField(body)
	if model == "" {
		return "", false
	}
	lower := strings.ToLower(model)
	for _, r := range modelPrefixRules {
		if strings.HasPrefix(lower, r.prefix) {
			return r.capability, true
		}
	}
	return "", false
}

func modelField(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// streamRequested reports whether the client asked for a streamed response:
// stream:true, an OpenAI stream_options object, a bare sse:true, or the
// Gemini alt=sse query form.
func streamRequested(query url.Values, body []byte) bool {
	if query.Get("alt") == "sse" {
		return true
	}
	if gjson.GetBytes(body, "stream").Bool() {
		return true
	}
	if gjson.GetBytes(body, "stream_options").Exists() {
		return true
	}
	return gjson.GetBytes(body, "sse").Bool()
}
