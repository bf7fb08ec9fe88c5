// Package selector turns a classified request into an ordered list of
// upstream candidates. The pipeline intersects the key's authorized set
// with the capability group, applies override pins, drops candidates that
// fail the model allow-list or health checks, tiers the survivors by
// priority, honors sticky sessions, and load-balances within the
// preferred tier.
package selector

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/affinity"
	"github.com/tollgatehq/tollgate/internal/circuitbreaker"
	"github.com/tollgatehq/tollgate/internal/route"
)

// Gateway-reserved override headers. Both are stripped before forwarding.
const (
	HeaderUpstreamName  = "X-Upstream-Name"
	HeaderUpstreamGroup = "X-Upstream-Group" // deprecated: must name the classified capability
)

// Snapshot provides the current upstream configuration, inactive rows
// included.
type Snapshot interface {
	Upstreams(ctx context.Context) ([]*gateway.Upstream, error)
}

// HealthProbe reports the circuit state for an upstream.
type HealthProbe interface {
	State(upstreamID string) circuitbreaker.State
}

// QuotaProbe reports whether an upstream has spent past its caps.
type QuotaProbe interface {
	Exceeded(upstreamID string, dailyLimit, monthlyLimit *float64) bool
}

// Config tunes selection.
type Config struct {
	// MaxAttempts caps the ordered candidate list, primary included.
	MaxAttempts int
	// Strategies overrides the load-balancing strategy per capability.
	// Unlisted capabilities use weighted selection.
	Strategies map[gateway.RouteCapability]gateway.SelectionStrategy
}

// DefaultConfig returns the production selection limits.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// Selector runs the candidate pipeline.
type Selector struct {
	cfg      Config
	catalog  Snapshot
	health   HealthProbe
	quota    QuotaProbe
	sessions *affinity.Store

	// draw returns a value in [0, n); swapped for a fixed sequence in tests.
	draw func(n int64) int64

	rr sync.Map // rrKey -> *atomic.Uint64
}

type rrKey struct {
	capability gateway.RouteCapability
	tier       int
}

// New returns a Selector over the given snapshot and probes.
func New(cfg Config, catalog Snapshot, health HealthProbe, quota QuotaProbe, sessions *affinity.Store) *Selector {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Selector{
		cfg:      cfg,
		catalog:  catalog,
		health:   health,
		quota:    quota,
		sessions: sessions,
		draw:     rand.Int64N,
	}
}

// Request carries the per-request inputs to selection.
type Request struct {
	Identity *gateway.Identity
	Match    route.Match
	Header   http.Header
	Body     []byte // buffered inbound body, read for session extraction only
}

// Selection is the outcome of the pipeline. Candidates are in attempt
// order with the primary first.
type Selection struct {
	Candidates []*gateway.Upstream
	Decision   gateway.RoutingDecision

	SessionID     string
	SessionSource route.SessionSource
	// AffinityKey is the sticky-session key to commit after a successful
	// response. Zero when no session was extracted or an explicit pin
	// defeated affinity.
	AffinityKey      affinity.Key
	AffinityHit      bool
	AffinityMigrated bool
	Pinned           bool
}

// Select runs the pipeline. The returned Selection is never nil: on error
// it still carries the partial decision (exclusions, counts, failure
// stage) so the request log can explain what happened.
func (s *Selector) Select(ctx context.Context, req Request) (*Selection, error) {
	capability := req.Match.Capability
	sel := &Selection{Decision: gateway.RoutingDecision{
		OriginalModel:     req.Match.Model,
		ResolvedModel:     req.Match.Model,
		RoutingType:       routingTypeFor(req.Match.Source),
		MatchedCapability: capability,
	}}
	dec := &sel.Decision

	if group := strings.TrimSpace(req.Header.Get(HeaderUpstreamGroup)); group != "" && group != string(capability) {
		dec.FailureStage = gateway.StageCandidateSelection
		return sel, gateway.NewProxyError(gateway.CodeUpstreamPinIncompatible,
			fmt.Sprintf("upstream group %q does not serve this route", group)).
			WithReason(string(gateway.ExcludeOverrideMismatch))
	}

	all, err := s.catalog.Upstreams(ctx)
	if err != nil {
		dec.FailureStage = gateway.StageCandidateSelection
		return sel, fmt.Errorf("selector: load upstreams: %w", err)
	}

	// Authorization and capability intersect first. Upstreams outside both
	// sets are not part of this request's universe and are not recorded.
	var survivors []*gateway.Upstream
	capable := 0
	for _, u := range all {
		hasCap := u.HasCapability(capability)
		if hasCap {
			capable++
		}
		authorized := req.Identity.Authorized(u.ID)
		switch {
		case hasCap && authorized:
			survivors = append(survivors, u)
		case hasCap:
			exclude(dec, u, gateway.ExcludeNotAuthorized)
		case authorized:
			exclude(dec, u, gateway.ExcludeCapabilityMismatch)
		}
	}
	dec.CandidateCount = len(survivors)
	if capable == 0 {
		dec.FailureStage = gateway.StageCandidateSelection
		return sel, gateway.NewProxyError(gateway.CodeNoUpstreamsConfigured,
			fmt.Sprintf("no upstream serves %s", capability))
	}
	if len(survivors) == 0 {
		dec.FailureStage = gateway.StageCandidateSelection
		return sel, gateway.NewProxyError(gateway.CodeNoAuthorizedUpstreams,
			"api key is not authorized for any upstream on this route").
			WithReason(string(gateway.ExcludeNotAuthorized))
	}

	// Session identity is extracted even when a pin will defeat affinity;
	// the request log records it either way.
	sel.SessionID, sel.SessionSource = route.ExtractSession(capability, req.Header, req.Body)

	if pin := strings.TrimSpace(req.Header.Get(HeaderUpstreamName)); pin != "" {
		return s.selectPinned(sel, pin, survivors)
	}

	var candidates []*gateway.Upstream
	for _, u := range survivors {
		switch {
		case !u.AllowsModel(req.Match.Model):
			exclude(dec, u, gateway.ExcludeModelNotAllowed)
		case !u.IsActive:
			exclude(dec, u, gateway.ExcludeInactive)
		case s.health.State(u.ID) == circuitbreaker.StateOpen:
			exclude(dec, u, gateway.ExcludeCircuitOpen)
		case s.quota.Exceeded(u.ID, u.DailySpendingLimit, u.MonthlySpendingLimit):
			exclude(dec, u, gateway.ExcludeQuotaExceeded)
		default:
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		dec.FailureStage = gateway.StageCandidateSelection
		return sel, gateway.NewProxyError(gateway.CodeAllUpstreamsUnavailable,
			"all upstreams for this route are unavailable").
			WithReason(string(gateway.AttemptNoCandidates)).
			WithDidSend(false)
	}

	// Tiering: lowest priority value wins; the rest are failover reserves.
	slices.SortStableFunc(candidates, func(a, b *gateway.Upstream) int {
		return a.Priority - b.Priority
	})
	tierEnd := 1
	for tierEnd < len(candidates) && candidates[tierEnd].Priority == candidates[0].Priority {
		tierEnd++
	}
	tier0, reserves := candidates[:tierEnd], candidates[tierEnd:]

	strategy := s.strategyFor(capability)
	dec.SelectionStrategy = strategy

	var primary *gateway.Upstream
	if sel.SessionID != "" && s.sessions != nil {
		key := affinity.Key{KeyID: req.Identity.KeyID, Capability: capability, SessionID: sel.SessionID}
		sel.AffinityKey = key
		if ent, ok := s.sessions.Get(key); ok {
			primary = s.applyAffinity(sel, ent, tier0, reserves, strategy)
		}
	}
	if primary == nil {
		primary = s.pick(tier0, capability, strategy)
	}

	ordered := make([]*gateway.Upstream, 0, len(candidates))
	ordered = append(ordered, primary)
	for _, u := range tier0 {
		if u.ID != primary.ID {
			ordered = append(ordered, u)
		}
	}
	for _, u := range reserves {
		if u.ID != primary.ID {
			ordered = append(ordered, u)
		}
	}
	if len(ordered) > s.cfg.MaxAttempts {
		ordered = ordered[:s.cfg.MaxAttempts]
	}

	sel.Candidates = ordered
	dec.Candidates = make([]string, len(ordered))
	for i, u := range ordered {
		dec.Candidates[i] = u.ID
	}
	dec.FinalCandidateCount = len(ordered)
	dec.SelectedUpstreamID = primary.ID
	if spansTiers(ordered) {
		dec.RoutingType = gateway.RouteTiered
	}
	return sel, nil
}

// selectPinned narrows the survivors to the named upstream. The pin
// defeats model filtering, health exclusion, affinity, and load balancing,
// but the target must still be active and pass the authorization and
// capability intersect.
func (s *Selector) selectPinned(sel *Selection, pin string, survivors []*gateway.Upstream) (*Selection, error) {
	dec := &sel.Decision
	sel.Pinned = true

	var target *gateway.Upstream
	for _, u := range survivors {
		if u.Name == pin {
			target = u
			continue
		}
		exclude(dec, u, gateway.ExcludeOverrideMismatch)
	}
	if target == nil {
		dec.FailureStage = gateway.StageCandidateSelection
		return sel, gateway.NewProxyError(gateway.CodeUpstreamPinIncompatible,
			fmt.Sprintf("upstream %q does not serve this route for this key", pin)).
			WithReason(string(gateway.ExcludeOverrideMismatch)).
			WithHint("remove X-Upstream-Name or pin an upstream this key may use")
	}
	if !target.IsActive {
		exclude(dec, target, gateway.ExcludeInactive)
		dec.FailureStage = gateway.StageCandidateSelection
		return sel, gateway.NewProxyError(gateway.CodeUpstreamPinIncompatible,
			fmt.Sprintf("upstream %q is disabled", pin)).
			WithReason(string(gateway.ExcludeInactive))
	}

	sel.Candidates = []*gateway.Upstream{target}
	dec.Candidates = []string{target.ID}
	dec.FinalCandidateCount = 1
	dec.SelectedUpstreamID = target.ID
	return sel, nil
}

// applyAffinity resolves a live sticky entry against the tiered
// candidates. A hit inside tier-0 wins outright without a draw. A hit in
// a reserve tier sticks unless the tier-0 winner's migration policy
// releases the session. A stale entry pointing outside the candidate set
// falls through to a fresh draw; the next success rewrites it.
func (s *Selector) applyAffinity(sel *Selection, ent affinity.Entry, tier0, reserves []*gateway.Upstream, strategy gateway.SelectionStrategy) *gateway.Upstream {
	if u := findByID(tier0, ent.UpstreamID); u != nil {
		sel.AffinityHit = true
		return u
	}
	aff := findByID(reserves, ent.UpstreamID)
	if aff == nil {
		return nil
	}
	sel.AffinityHit = true
	best := s.pick(tier0, sel.Decision.MatchedCapability, strategy)
	if shouldMigrate(best.AffinityMigration, ent) {
		sel.AffinityMigrated = true
		return best
	}
	return aff
}

// shouldMigrate reports whether a sticky session may move to the
// better-tier upstream. A cumulative token count of zero always permits
// migration: nothing has been invested in the old upstream yet.
func shouldMigrate(mig *gateway.AffinityMigration, ent affinity.Entry) bool {
	if mig == nil || !mig.Enabled {
		return false
	}
	switch mig.Metric {
	case gateway.MigrateByTokens:
		return ent.CumulativeInputTokens == 0 || ent.CumulativeInputTokens < mig.Threshold
	case gateway.MigrateByLength:
		return ent.ContentLength < mig.Threshold
	default:
		return false
	}
}

// pick selects the primary inside one tier.
func (s *Selector) pick(tier []*gateway.Upstream, capability gateway.RouteCapability, strategy gateway.SelectionStrategy) *gateway.Upstream {
	if len(tier) == 1 {
		return tier[0]
	}
	switch strategy {
	case gateway.SelectRoundRobin:
		n := s.rrNext(capability, tier[0].Priority)
		return tier[n%uint64(len(tier))]
	case gateway.SelectPriority:
		best := tier[0]
		for _, u := range tier[1:] {
			if u.ID < best.ID {
				best = u
			}
		}
		return best
	default:
		total := int64(0)
		for _, u := range tier {
			total += weightOf(u)
		}
		r := s.draw(total)
		cum := int64(0)
		for _, u := range tier {
			cum += weightOf(u)
			if r < cum {
				return u
			}
		}
		return tier[len(tier)-1]
	}
}

// rrNext advances the round-robin counter for one capability tier.
func (s *Selector) rrNext(capability gateway.RouteCapability, tier int) uint64 {
	k := rrKey{capability: capability, tier: tier}
	c, ok := s.rr.Load(k)
	if !ok {
		c, _ = s.rr.LoadOrStore(k, new(atomic.Uint64))
	}
	return c.(*atomic.Uint64).Add(1) - 1
}

func (s *Selector) strategyFor(capability gateway.RouteCapability) gateway.SelectionStrategy {
	if st, ok := s.cfg.Strategies[capability]; ok && st != "" {
		return st
	}
	return gateway.SelectWeighted
}

// weightOf treats weights below one as one so a zero-value row still
// participates in the draw.
func weightOf(u *gateway.Upstream) int64 {
	if u.Weight < 1 {
		return 1
	}
	return int64(u.Weight)
}

func exclude(dec *gateway.RoutingDecision, u *gateway.Upstream, reason gateway.ExclusionReason) {
	dec.Excluded = append(dec.Excluded, gateway.ExcludedUpstream{ID: u.ID, Name: u.Name, Reason: reason})
}

func findByID(ups []*gateway.Upstream, id string) *gateway.Upstream {
	for _, u := range ups {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func spansTiers(ordered []*gateway.Upstream) bool {
	for _, u := range ordered[1:] {
		if u.Priority != ordered[0].Priority {
			return true
		}
	}
	return false
}

func routingTypeFor(src route.MatchSource) gateway.RoutingType {
	if src == route.SourceModelFallback {
		return gateway.RouteByProviderType
	}
	return gateway.RouteByPathCapability
}
