package proxy

import (
	"net/http"
	"slices"
	"strings"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// requestIDHeader uses the canonical MIME form so direct map access skips
// textproto.CanonicalMIMEHeaderKey on the hot path.
const requestIDHeader = "X-Request-Id"

// blockedOutbound headers are never copied from the inbound request: the
// gateway credential, connection framing, and hop-by-hop headers. Compensation
// rules targeting any of these are silently dropped.
var blockedOutbound = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"proxy-authenticate":  {},
	"host":                {},
	"content-length":      {},
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
	// Gateway key may arrive in a provider-native credential header.
	"x-api-key":      {},
	"x-goog-api-key": {},
	"api-key":        {},
}

// hopByHopHeaders must not be forwarded in either direction.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// sessionHeaderNames are the targets whose compensation marks the request as
// session-compensated in the log.
var sessionHeaderNames = map[string]struct{}{
	"session_id":   {},
	"x-session-id": {},
	"x_session_id": {},
}

func blockedHeader(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := blockedOutbound[lower]; ok {
		return true
	}
	// Gateway-internal routing overrides never reach the upstream.
	return strings.HasPrefix(lower, "x-upstream-")
}

// BuildOutboundHeaders copies the inbound headers minus the block-list,
// applies compensation rules for the capability, and stamps the request ID.
// It reports whether a session header was filled in by compensation.
func BuildOutboundHeaders(in http.Header, capability gateway.RouteCapability, rules []*gateway.CompensationRule, requestID string) (http.Header, bool) {
	out := make(http.Header, len(in))
	for name, vals := range in {
		if blockedHeader(name) {
			continue
		}
		out[name] = vals
	}

	sessionComped := false
	for _, rule := range rules {
		if !rule.AppliesTo(capability) {
			continue
		}
		target := strings.ToLower(rule.TargetHeader)
		if target == "" || blockedHeader(target) {
			continue
		}
		if rule.Mode != gateway.CompensateAlways && out.Get(target) != "" {
			continue
		}
		for _, src := range rule.Sources {
			v := in.Get(src)
			if v == "" {
				continue
			}
			out.Set(rule.TargetHeader, v)
			if _, ok := sessionHeaderNames[target]; ok {
				sessionComped = true
			}
			break
		}
	}

	out[requestIDHeader] = []string{requestID}
	return out, sessionComped
}

// DiffHeaders summarizes how the outbound header set differs from the
// inbound one. Only names are recorded; values are compared but never kept.
func DiffHeaders(in, out http.Header) *gateway.HeaderDiff {
	d := &gateway.HeaderDiff{InboundCount: len(in), OutboundCount: len(out)}
	for name, outVals := range out {
		inVals, ok := in[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case !slices.Equal(inVals, outVals):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range in {
		if _, ok := out[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	slices.Sort(d.Changed)
	return d
}

// copyResponseHeaders relays upstream response headers to the client,
// dropping hop-by-hop headers.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, vals := range src {
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		dst[name] = vals
	}
}
