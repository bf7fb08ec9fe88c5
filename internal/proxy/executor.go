package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/circuitbreaker"
	"github.com/tollgatehq/tollgate/internal/telemetry"
)

// deadlineSlack pads the request-wide deadline past the sum the attempt
// deadlines could legitimately reach.
const deadlineSlack = 5 * time.Second

// Executor drives one request through an ordered candidate list.
type Executor struct {
	engine   *Engine
	registry *circuitbreaker.Registry
	metrics  *telemetry.Metrics // nil-safe
}

// NewExecutor returns an Executor over the engine and health registry.
func NewExecutor(engine *Engine, registry *circuitbreaker.Registry, metrics *telemetry.Metrics) *Executor {
	return &Executor{engine: engine, registry: registry, metrics: metrics}
}

// Result is the terminal state of the failover loop for one request.
type Result struct {
	StatusCode      int
	Flushed         bool
	TTFT            time.Duration
	Usage           gateway.Usage
	Attempts        []gateway.FailoverAttempt
	Actual          *gateway.Upstream // upstream that served the response, nil if none
	HeaderDiff      *gateway.HeaderDiff
	ResolvedModel   string
	ModelRedirected bool
	SessionComped   bool
	DidSend         bool
	FailureStage    gateway.FailureStage
	Err             *gateway.ProxyError // nil when a response was relayed
}

// Execute tries each candidate in order until one relays a response. Nothing
// is written to w for attempts that fail before relay begins, so the caller
// can still render a canonical error envelope; once bytes have been flushed
// the Result reports Flushed and the caller must close the stream instead.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, req *Request, candidates []*gateway.Upstream) *Result {
	res := &Result{ResolvedModel: req.Match.Model}
	clientCtx := ctx

	var maxTimeout time.Duration
	for _, up := range candidates {
		if t := up.Timeout(); t > maxTimeout {
			maxTimeout = t
		}
	}
	ctx, cancel := context.WithTimeout(ctx, maxTimeout+deadlineSlack)
	defer cancel()

	for _, up := range candidates {
		br := e.registry.GetOrCreate(up.ID, up.CircuitBreaker)
		if !br.Allow() {
			e.recordAttempt(res, up, gateway.AttemptCircuitOpen, 0, "circuit open", 0)
			continue
		}
		if !br.Acquire() {
			br.ForfeitProbe()
			e.recordAttempt(res, up, gateway.AttemptCircuitOpen, 0, "concurrency cap reached", 0)
			continue
		}

		start := time.Now()
		call, err := e.engine.Dispatch(ctx, up, req)
		if err != nil {
			br.Release()
			if errors.Is(err, gateway.ErrInvalidBaseURL) {
				// SSRF rejections are never failover-eligible and record no attempt.
				br.ForfeitProbe()
				res.FailureStage = gateway.StageCandidateSelection
				res.Err = gateway.NewProxyError(gateway.CodeInvalidUpstreamURL, err.Error()).
					WithDidSend(res.DidSend)
				return res
			}
			if stop := e.terminalContextError(clientCtx, ctx, res); stop {
				br.ForfeitProbe()
				return res
			}
			_, errType := circuitbreaker.Classify(0, err)
			e.registry.MarkUnhealthy(up.ID, errType)
			e.recordAttempt(res, up, errType, 0, err.Error(), time.Since(start))
			res.FailureStage = gateway.StageUpstreamConnect
			continue
		}

		res.DidSend = true
		outcome, errType := circuitbreaker.Classify(call.Resp.StatusCode, nil)
		switch outcome {
		case circuitbreaker.OutcomeRetriable:
			status := call.Resp.StatusCode
			call.Discard()
			br.Release()
			e.registry.MarkUnhealthy(up.ID, errType)
			e.recordAttempt(res, up, errType, status, http.StatusText(status), time.Since(start))
			res.FailureStage = gateway.StageUpstreamResponse
			continue

		case circuitbreaker.OutcomeFatalClient:
			// The upstream rejected the request as malformed or unauthorized;
			// relay its verdict verbatim and stop. The breaker records
			// neither success nor failure: the fault is not the upstream's.
			relay := e.engine.Relay(w, call, start)
			br.Release()
			br.ForfeitProbe()
			e.finish(res, up, call, relay)
			e.recordAttempt(res, up, errType, call.Resp.StatusCode, http.StatusText(call.Resp.StatusCode), time.Since(start))
			e.observeAttempt(up, "fatal_client", time.Since(start))
			return res

		default: // success
			relay := e.engine.Relay(w, call, start)
			br.Release()
			if relay.Err == nil {
				e.registry.MarkHealthy(up.ID, time.Since(start))
				e.finish(res, up, call, relay)
				e.observeAttempt(up, "success", time.Since(start))
				return res
			}

			if stop := e.terminalContextError(clientCtx, ctx, res); stop {
				br.ForfeitProbe()
				e.finish(res, up, call, relay)
				res.FailureStage = failedStreamStage(relay.Flushed)
				return res
			}

			e.registry.MarkUnhealthy(up.ID, gateway.AttemptConnectionError)
			e.recordAttempt(res, up, gateway.AttemptConnectionError, call.Resp.StatusCode, relay.Err.Error(), time.Since(start))
			if relay.Flushed {
				// Bytes already reached the client; failover would corrupt
				// the stream. Terminate with a stream error instead.
				e.finish(res, up, call, relay)
				res.FailureStage = gateway.StageStreamInterrupt
				res.Err = gateway.NewProxyError(gateway.CodeStreamError,
					"upstream stream broke mid-response").WithDidSend(true)
				e.observeAttempt(up, "stream_error", time.Since(start))
				return res
			}
			res.FailureStage = gateway.StageUpstreamResponse
			continue
		}
	}

	if res.Err == nil {
		if clientCtx.Err() != nil {
			res.FailureStage = gateway.StageUpstreamConnect
			res.Err = gateway.NewProxyError(gateway.CodeClientDisconnected,
				"client disconnected before a response was ready").WithDidSend(res.DidSend)
		} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.FailureStage = gateway.StageUpstreamConnect
			res.Err = gateway.NewProxyError(gateway.CodeRequestTimeout,
				"no upstream responded within the request deadline").WithDidSend(res.DidSend)
		} else {
			stage := res.FailureStage
			if stage == "" {
				stage = gateway.StageCandidateSelection
			}
			res.FailureStage = stage
			res.Err = gateway.NewProxyError(gateway.CodeAllUpstreamsUnavailable,
				fmt.Sprintf("all %d candidate upstreams failed", len(candidates))).
				WithDidSend(res.DidSend)
		}
	}
	return res
}

// terminalContextError resolves a failed attempt against the request's
// cancellation state. A cancelled client ends the loop with no response; an
// expired request-wide deadline ends it with a timeout.
func (e *Executor) terminalContextError(clientCtx, ctx context.Context, res *Result) bool {
	if clientCtx.Err() != nil {
		res.FailureStage = gateway.StageUpstreamConnect
		res.Err = gateway.NewProxyError(gateway.CodeClientDisconnected,
			"client disconnected").WithDidSend(res.DidSend)
		return true
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.FailureStage = gateway.StageUpstreamConnect
		res.Err = gateway.NewProxyError(gateway.CodeRequestTimeout,
			"request deadline exceeded").WithDidSend(res.DidSend)
		return true
	}
	return false
}

func (e *Executor) finish(res *Result, up *gateway.Upstream, call *Call, relay RelayResult) {
	res.Actual = up
	res.StatusCode = call.Resp.StatusCode
	res.Flushed = relay.Flushed
	res.TTFT = relay.TTFT
	res.Usage = relay.Usage
	res.HeaderDiff = call.HeaderDiff
	res.ResolvedModel = call.ResolvedModel
	res.ModelRedirected = call.Redirected
	res.SessionComped = call.SessionComped
}

func (e *Executor) recordAttempt(res *Result, up *gateway.Upstream, errType gateway.AttemptErrorType, status int, msg string, elapsed time.Duration) {
	res.Attempts = append(res.Attempts, gateway.FailoverAttempt{
		UpstreamID:   up.ID,
		UpstreamName: up.Name,
		AttemptedAt:  time.Now().UTC(),
		ErrorType:    errType,
		StatusCode:   status,
		ErrorMessage: msg,
		DurationMs:   elapsed.Milliseconds(),
	})
	e.observeAttempt(up, string(errType), elapsed)
}

func (e *Executor) observeAttempt(up *gateway.Upstream, outcome string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.AttemptsTotal.WithLabelValues(up.Name, outcome).Inc()
	e.metrics.AttemptDuration.WithLabelValues(up.Name).Observe(elapsed.Seconds())
}

func failedStreamStage(flushed bool) gateway.FailureStage {
	if flushed {
		return gateway.StageStreamInterrupt
	}
	return gateway.StageUpstreamResponse
}
