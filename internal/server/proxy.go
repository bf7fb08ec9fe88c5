package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/affinity"
	"github.com/tollgatehq/tollgate/internal/proxy"
	"github.com/tollgatehq/tollgate/internal/route"
	"github.com/tollgatehq/tollgate/internal/selector"
)

// handleProxy is the single entry for every classified proxy path. It buffers
// the body, classifies the route, runs candidate selection, drives the
// failover loop, and records the request outcome.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)

	log := gateway.RequestLog{
		APIKeyID:  identity.KeyID,
		Method:    r.Method,
		Path:      r.URL.Path,
		CreatedAt: start.UTC(),
	}

	body, err := readBody(w, r)
	if err != nil {
		log.RoutingType = gateway.RouteNone
		s.finishEarly(w, r, &log, asProxyError(err), start)
		return
	}

	match, err := route.Classify(r.Method, s.subPath(r), r.URL.Query(), body)
	if err != nil {
		log.RoutingType = gateway.RouteNone
		s.finishEarly(w, r, &log, asProxyError(err), start)
		return
	}
	log.Model = match.Model
	log.IsStream = match.Stream
	log.GroupName = string(match.Capability)

	routingStart := time.Now()
	sel, selErr := s.deps.Selector.Select(ctx, selector.Request{
		Identity: identity,
		Match:    match,
		Header:   r.Header,
		Body:     body,
	})
	log.RoutingDurationMs = time.Since(routingStart).Milliseconds()

	dec := sel.Decision
	log.RoutingType = dec.RoutingType
	log.LBStrategy = dec.SelectionStrategy
	log.SessionID = sel.SessionID
	log.AffinityHit = sel.AffinityHit
	log.AffinityMigrated = sel.AffinityMigrated
	s.observeAffinity(sel)

	if selErr != nil {
		log.Decision = &dec
		s.finishEarly(w, r, &log, asProxyError(selErr), start)
		return
	}

	res := s.deps.Executor.Execute(ctx, w, &proxy.Request{
		Method:    r.Method,
		SubPath:   s.subPath(r),
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header,
		Body:      body,
		Match:     match,
		RequestID: gateway.RequestIDFromContext(ctx),
	}, sel.Candidates)

	dec.ResolvedModel = res.ResolvedModel
	dec.ModelRedirectApplied = res.ModelRedirected
	dec.DidSendUpstream = res.DidSend
	dec.FailureStage = res.FailureStage
	if res.Actual != nil {
		dec.ActualUpstreamID = res.Actual.ID
		log.UpstreamID = res.Actual.ID
	}
	log.Decision = &dec
	log.Model = res.ResolvedModel
	log.Usage = res.Usage
	log.FailoverCount = len(res.Attempts)
	log.FailoverHistory = res.Attempts
	log.HeaderDiff = res.HeaderDiff
	log.SessionIDComped = res.SessionComped
	if log.IsStream && res.TTFT > 0 {
		log.TTFTMs = res.TTFT.Milliseconds()
	}

	if res.Err != nil {
		log.ErrorMessage = res.Err.Message
		switch {
		case res.Flushed && res.Err.Code == gateway.CodeClientDisconnected:
			// The peer left mid-stream: no terminal event can reach it, and
			// the upstream's status line is not what the exchange ended with.
			log.StatusCode = gateway.StatusClientClosedRequest
		case res.Flushed:
			writeProxyError(w, r, res.Err, true)
			// The upstream status line already went out; log what was sent.
			log.StatusCode = res.StatusCode
		default:
			writeProxyError(w, r, res.Err, false)
			log.StatusCode = res.Err.HTTPStatus()
		}
	} else {
		log.StatusCode = res.StatusCode
		s.commitAffinity(sel, res, int64(len(body)))
	}

	// Delivered usage is billed even when the stream later broke.
	s.bill(r, &log, res)
	s.observeUsage(res)

	log.DurationMs = time.Since(start).Milliseconds()
	s.writeLog(log)
}

// readBody buffers the inbound body under the global cap. Oversized bodies
// are rejected before any routing work happens.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, proxy.MaxInboundBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, gateway.ErrBodyTooLarge
		}
		return nil, gateway.ErrClientGone
	}
	return body, nil
}

// finishEarly renders an error that occurred before any upstream attempt and
// records the request.
func (s *server) finishEarly(w http.ResponseWriter, r *http.Request, log *gateway.RequestLog, perr *gateway.ProxyError, start time.Time) {
	writeProxyError(w, r, perr, false)
	log.StatusCode = perr.HTTPStatus()
	log.ErrorMessage = perr.Message
	log.DurationMs = time.Since(start).Milliseconds()
	s.writeLog(*log)
}

func (s *server) writeLog(log gateway.RequestLog) {
	if s.deps.Sink == nil {
		return
	}
	s.deps.Sink.Write(log)
}

// commitAffinity sticks the session to the upstream that actually served it.
// Explicit pins bypass affinity entirely.
func (s *server) commitAffinity(sel *selector.Selection, res *proxy.Result, contentLength int64) {
	if s.deps.Sessions == nil || sel.Pinned || res.Actual == nil {
		return
	}
	if (sel.AffinityKey == affinity.Key{}) {
		return
	}
	s.deps.Sessions.Commit(sel.AffinityKey, res.Actual.ID, contentLength, int64(res.Usage.PromptTokens))
}

func (s *server) bill(r *http.Request, log *gateway.RequestLog, res *proxy.Result) {
	if s.deps.Pricer == nil || res.Actual == nil || res.Usage.IsZero() {
		return
	}
	snap := s.deps.Pricer.Snapshot(r.Context(), res.ResolvedModel, res.Usage, res.Actual)
	log.Billing = snap
	if snap == nil || snap.Status != gateway.BillingStatusBilled {
		return
	}
	if s.deps.Quota != nil {
		s.deps.Quota.Consume(res.Actual.ID, snap.FinalCostUSD)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SpendUSD.WithLabelValues(res.Actual.Name).Add(snap.FinalCostUSD)
	}
}

func (s *server) observeAffinity(sel *selector.Selection) {
	if s.deps.Metrics == nil {
		return
	}
	if sel.AffinityHit {
		s.deps.Metrics.AffinityHits.Inc()
	}
	if sel.AffinityMigrated {
		s.deps.Metrics.AffinityMigrations.Inc()
	}
}

func (s *server) observeUsage(res *proxy.Result) {
	if s.deps.Metrics == nil || res.Usage.IsZero() {
		return
	}
	m := s.deps.Metrics
	m.TokensTotal.WithLabelValues(res.ResolvedModel, "prompt").Add(float64(res.Usage.PromptTokens))
	m.TokensTotal.WithLabelValues(res.ResolvedModel, "completion").Add(float64(res.Usage.CompletionTokens))
	if res.TTFT > 0 {
		m.TTFT.Observe(res.TTFT.Seconds())
	}
}
