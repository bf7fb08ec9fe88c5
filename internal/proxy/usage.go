package proxy

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// maxScanWindow caps the SSE observer's pending-frame buffer. Usage frames
// are small; anything larger is content the observer does not need.
const maxScanWindow = 1 << 20

// UsageFromJSON extracts normalized token usage from a vendor response
// payload. It probes every shape the supported families emit: the OpenAI
// top-level "usage" object, the Anthropic message envelope, the codex
// response.completed event, and the Gemini "usageMetadata" block.
func UsageFromJSON(body []byte) gateway.Usage {
	root := gjson.ParseBytes(body)
	u := usageFromValue(root.Get("usage"))
	u = u.Merge(usageFromValue(root.Get("message.usage")))
	u = u.Merge(usageFromValue(root.Get("response.usage")))
	u = u.Merge(geminiUsage(root.Get("usageMetadata")))
	u = u.Merge(geminiUsage(root.Get("response.usageMetadata")))
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// usageFromValue normalizes an OpenAI- or Anthropic-shaped usage object.
func usageFromValue(v gjson.Result) gateway.Usage {
	if !v.IsObject() {
		return gateway.Usage{}
	}
	return gateway.Usage{
		PromptTokens:     firstInt(v, "prompt_tokens", "input_tokens"),
		CompletionTokens: firstInt(v, "completion_tokens", "output_tokens"),
		TotalTokens:      int(v.Get("total_tokens").Int()),
		CachedTokens: firstInt(v,
			"prompt_tokens_details.cached_tokens", "cached_tokens"),
		ReasoningTokens: firstInt(v,
			"completion_tokens_details.reasoning_tokens", "reasoning_tokens"),
		CacheCreationTokens: int(v.Get("cache_creation_input_tokens").Int()),
		CacheReadTokens:     int(v.Get("cache_read_input_tokens").Int()),
	}
}

// geminiUsage normalizes a Gemini usageMetadata object.
func geminiUsage(v gjson.Result) gateway.Usage {
	if !v.IsObject() {
		return gateway.Usage{}
	}
	return gateway.Usage{
		PromptTokens:     int(v.Get("promptTokenCount").Int()),
		CompletionTokens: int(v.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(v.Get("totalTokenCount").Int()),
		CachedTokens:     int(v.Get("cachedContentTokenCount").Int()),
		ReasoningTokens:  int(v.Get("thoughtsTokenCount").Int()),
	}
}

func firstInt(v gjson.Result, paths ...string) int {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return int(r.Int())
		}
	}
	return 0
}

// sseObserver watches SSE chunks as they pass through the relay and collects
// usage from terminal event frames. It retains only the current unterminated
// frame, capped at maxScanWindow; the stream itself is never buffered.
type sseObserver struct {
	window []byte
	usage  gateway.Usage
}

var frameBoundary = []byte("\n\n")

// Observe feeds one relayed chunk to the observer.
func (o *sseObserver) Observe(p []byte) {
	o.window = append(o.window, p...)
	for {
		i := bytes.Index(o.window, frameBoundary)
		if i < 0 {
			break
		}
		o.frame(o.window[:i])
		o.window = append(o.window[:0], o.window[i+2:]...)
	}
	if len(o.window) > maxScanWindow {
		// An oversized frame is content, not a usage event; drop it.
		o.window = o.window[:0]
	}
}

// frame scans one complete SSE event frame for a usage payload.
func (o *sseObserver) frame(frame []byte) {
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == "" || data == "[DONE]" {
			continue
		}
		// Cheap pre-filter: only terminal frames carry token accounting.
		if !strings.Contains(data, "usage") && !strings.Contains(data, "usageMetadata") {
			continue
		}
		o.usage = o.usage.Merge(UsageFromJSON([]byte(data)))
	}
}

// Usage returns the merged usage collected so far.
func (o *sseObserver) Usage() gateway.Usage {
	u := o.usage
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
