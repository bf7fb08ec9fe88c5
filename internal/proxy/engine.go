package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/credential"
	"github.com/tollgatehq/tollgate/internal/netguard"
	"github.com/tollgatehq/tollgate/internal/route"
)

const (
	// MaxInboundBody caps the buffered inbound request body. A larger body
	// is rejected with 413 before any upstream is chosen.
	MaxInboundBody = 16 << 20

	// maxParseBody caps the buffered copy of a non-streaming response kept
	// for usage extraction. The relay to the client is unbounded.
	maxParseBody = 16 << 20

	// recordCap bounds the diagnostic response recording.
	recordCap = 16 << 20

	relayBufSize = 32 * 1024
)

// truncatedSentinel marks a capped diagnostic recording.
const truncatedSentinel = "[RECORDING_TRUNCATED]"

// RuleSource provides the active compensation rules.
type RuleSource interface {
	CompensationRules(ctx context.Context) ([]*gateway.CompensationRule, error)
}

// ResponseRecorder receives a bounded copy of relayed response bodies for
// diagnostics. Recording never affects the client relay.
type ResponseRecorder interface {
	RecordResponse(requestID string, body []byte)
}

// Request is the buffered inbound request handed to the engine, one copy
// shared across all failover attempts.
type Request struct {
	Method    string
	SubPath   string // path after the proxy prefix
	RawQuery  string
	Header    http.Header
	Body      []byte
	Match     route.Match
	RequestID string
}

// Engine builds, dispatches, and relays one upstream attempt at a time.
type Engine struct {
	client   *http.Client
	guard    *netguard.Validator
	cipher   *credential.Cipher
	injector *credential.Injector
	rules    RuleSource
	recorder ResponseRecorder // nil = recording disabled
}

// NewEngine assembles a proxy engine. cipher may be nil (plaintext
// credentials); recorder may be nil.
func NewEngine(client *http.Client, guard *netguard.Validator, cipher *credential.Cipher, injector *credential.Injector, rules RuleSource, recorder ResponseRecorder) *Engine {
	return &Engine{
		client:   client,
		guard:    guard,
		cipher:   cipher,
		injector: injector,
		rules:    rules,
		recorder: recorder,
	}
}

// Call is one in-flight upstream response, ready to relay. The caller must
// either Relay or Discard it.
type Call struct {
	Upstream      *gateway.Upstream
	Resp          *http.Response
	HeaderDiff    *gateway.HeaderDiff
	ResolvedModel string
	Redirected    bool
	SessionComped bool

	cancel context.CancelFunc
}

// Discard drops the response without relaying it: the body is closed, not
// drained, so a failing upstream cannot stall the failover loop.
func (c *Call) Discard() {
	c.Resp.Body.Close()
	c.cancel()
}

// Dispatch validates the target, builds the outbound request, and sends it.
// The attempt deadline (upstream.Timeout) covers the dispatch and the whole
// body relay; the returned Call owns its cancellation.
func (e *Engine) Dispatch(ctx context.Context, up *gateway.Upstream, req *Request) (*Call, error) {
	if err := e.guard.ValidateURL(ctx, up.BaseURL); err != nil {
		return nil, err
	}

	subPath, body, resolvedModel, redirected := applyModelRedirect(up, req)

	target, err := buildTargetURL(up.BaseURL, subPath, req.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidBaseURL, err)
	}

	rules, err := e.rules.CompensationRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: load compensation rules: %w", err)
	}
	header, sessionComped := BuildOutboundHeaders(req.Header, req.Match.Capability, rules, req.RequestID)

	plaintext, err := e.cipher.Decrypt(up.CredentialEnc)
	if err != nil {
		return nil, fmt.Errorf("proxy: decrypt credential for %s: %w", up.Name, err)
	}
	if err := e.injector.Apply(header, req.Match.Family, up.ID, plaintext); err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, up.Timeout())
	out, err := http.NewRequestWithContext(attemptCtx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	out.Header = header
	out.ContentLength = int64(len(body))

	resp, err := e.client.Do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Call{
		Upstream:      up,
		Resp:          resp,
		HeaderDiff:    DiffHeaders(req.Header, header),
		ResolvedModel: resolvedModel,
		Redirected:    redirected,
		SessionComped: sessionComped,
		cancel:        cancel,
	}, nil
}

// RelayResult describes the outcome of streaming one response to the client.
type RelayResult struct {
	Flushed bool          // at least one byte reached the client
	TTFT    time.Duration // time to first relayed byte
	Usage   gateway.Usage
	Err     error // nil when the body completed cleanly
}

// Relay copies the upstream response to the client. SSE bodies are flushed
// chunk by chunk on the upstream's framing while the usage observer watches
// the frames pass; buffered bodies are copied through with a bounded tee for
// usage parsing. Relay consumes the Call.
//
// The status line and headers are not committed until the body yields its
// first byte (or ends cleanly): an attempt that dies before delivering
// anything leaves w untouched, so the caller can fail over or render the
// canonical error envelope.
func (e *Engine) Relay(w http.ResponseWriter, call *Call, start time.Time) RelayResult {
	defer call.cancel()
	defer call.Resp.Body.Close()

	if isEventStream(call.Resp.Header.Get("Content-Type")) {
		return e.relayStream(w, call, start)
	}
	return e.relayBuffered(w, call, start)
}

// commitResponse copies the upstream headers and sends the status line.
func commitResponse(w http.ResponseWriter, resp *http.Response) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
}

func (e *Engine) relayStream(w http.ResponseWriter, call *Call, start time.Time) RelayResult {
	var res RelayResult
	var obs sseObserver
	var recording []byte
	committed := false
	flusher, canFlush := w.(http.Flusher)

	buf := make([]byte, relayBufSize)
	for {
		n, readErr := call.Resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			obs.Observe(chunk)
			if e.recorder != nil && len(recording) < recordCap {
				recording = append(recording, chunk[:min(n, recordCap-len(recording))]...)
			}
			if !committed {
				commitResponse(w, call.Resp)
				committed = true
			}
			if _, writeErr := w.Write(chunk); writeErr != nil {
				res.Err = fmt.Errorf("proxy: client write: %w", writeErr)
				break
			}
			if !res.Flushed {
				res.Flushed = true
				res.TTFT = time.Since(start)
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if !committed {
					commitResponse(w, call.Resp) // empty but clean body
				}
			} else {
				res.Err = fmt.Errorf("proxy: upstream read: %w", readErr)
			}
			break
		}
	}

	res.Usage = obs.Usage()
	e.record(call, recording)
	return res
}

func (e *Engine) relayBuffered(w http.ResponseWriter, call *Call, start time.Time) RelayResult {
	var res RelayResult
	committed := false
	parseBuf := &bytes.Buffer{}
	tee := io.TeeReader(io.LimitReader(call.Resp.Body, maxParseBody), parseBuf)

	buf := make([]byte, relayBufSize)
	for {
		n, readErr := tee.Read(buf)
		if n > 0 {
			if !committed {
				commitResponse(w, call.Resp)
				committed = true
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				res.Err = fmt.Errorf("proxy: relay: %w", writeErr)
				break
			}
			if !res.Flushed {
				res.Flushed = true
				res.TTFT = time.Since(start)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				res.Err = fmt.Errorf("proxy: relay: %w", readErr)
				break
			}
			if !committed {
				commitResponse(w, call.Resp) // empty but clean body
			}
			// Relay whatever exceeds the parse cap without buffering it.
			extra, copyErr := io.Copy(w, call.Resp.Body)
			if extra > 0 && parseBuf.Len() >= maxParseBody {
				parseBuf.Reset() // truncated JSON is not parseable
			}
			if copyErr != nil {
				res.Err = fmt.Errorf("proxy: relay: %w", copyErr)
			}
			break
		}
	}

	if parseBuf.Len() > 0 {
		res.Usage = UsageFromJSON(parseBuf.Bytes())
		e.record(call, parseBuf.Bytes())
	}
	return res
}

func (e *Engine) record(call *Call, body []byte) {
	if e.recorder == nil || len(body) == 0 {
		return
	}
	if len(body) >= recordCap {
		body = append(body[:recordCap:recordCap], truncatedSentinel...)
	}
	e.recorder.RecordResponse(call.Resp.Request.Header.Get(requestIDHeader), body)
}

func isEventStream(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream") ||
		strings.Contains(contentType, "application/x-ndjson") ||
		strings.Contains(contentType, "application/stream+json")
}

// buildTargetURL joins the upstream origin (plus its optional path prefix)
// with the request sub-path and query string.
func buildTargetURL(baseURL, subPath, rawQuery string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + subPath
	target.RawQuery = rawQuery
	return target.String(), nil
}

// applyModelRedirect rewrites the model the upstream will see. OpenAI and
// Anthropic requests carry the model in the body; Gemini native requests
// carry it in the path segment.
func applyModelRedirect(up *gateway.Upstream, req *Request) (subPath string, body []byte, resolvedModel string, redirected bool) {
	subPath, body, resolvedModel = req.SubPath, req.Body, req.Match.Model
	if resolvedModel == "" || len(up.ModelRedirects) == 0 {
		return
	}
	dst, ok := up.ModelRedirects[resolvedModel]
	if !ok || dst == "" || dst == resolvedModel {
		return
	}

	if req.Match.Capability == gateway.CapGeminiNativeGenerate {
		if rewritten := strings.Replace(subPath, "/models/"+resolvedModel+":", "/models/"+dst+":", 1); rewritten != subPath {
			return rewritten, body, dst, true
		}
		return
	}
	if rewritten, err := sjson.SetBytes(body, "model", dst); err == nil {
		return subPath, rewritten, dst, true
	}
	return
}
