// Package gateway defines domain types and interfaces for the Tollgate LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Route capabilities ---

// RouteCapability identifies the wire-format family a request targets.
// The set is closed; every upstream declares the capabilities it can serve.
type RouteCapability string

const (
	CapAnthropicMessages    RouteCapability = "anthropic_messages"
	CapOpenAIChatCompatible RouteCapability = "openai_chat_compatible"
	CapOpenAIExtended       RouteCapability = "openai_extended"
	CapCodexResponses       RouteCapability = "codex_responses"
	CapGeminiNativeGenerate RouteCapability = "gemini_native_generate"
	CapGeminiCodeAssist     RouteCapability = "gemini_code_assist_internal"
)

// Capabilities lists every valid route capability.
var Capabilities = []RouteCapability{
	CapAnthropicMessages,
	CapOpenAIChatCompatible,
	CapOpenAIExtended,
	CapCodexResponses,
	CapGeminiNativeGenerate,
	CapGeminiCodeAssist,
}

// Valid reports whether c is a member of the closed capability set.
func (c RouteCapability) Valid() bool {
	switch c {
	case CapAnthropicMessages, CapOpenAIChatCompatible, CapOpenAIExtended,
		CapCodexResponses, CapGeminiNativeGenerate, CapGeminiCodeAssist:
		return true
	}
	return false
}

// ProtocolFamily is the credential-injection family of a capability.
type ProtocolFamily string

const (
	FamilyAnthropic   ProtocolFamily = "anthropic"    // x-api-key + anthropic-version
	FamilyOpenAI      ProtocolFamily = "openai"       // Authorization: Bearer
	FamilyGemini      ProtocolFamily = "gemini"       // x-goog-api-key
	FamilyGeminiOAuth ProtocolFamily = "gemini_oauth" // Authorization: Bearer from an OAuth token source
)

// Family returns the protocol family the capability injects credentials for.
func (c RouteCapability) Family() ProtocolFamily {
	switch c {
	case CapAnthropicMessages:
		return FamilyAnthropic
	case CapGeminiNativeGenerate:
		return FamilyGemini
	case CapGeminiCodeAssist:
		return FamilyGeminiOAuth
	default:
		return FamilyOpenAI
	}
}

// --- Upstream ---

// CircuitBreakerConfig overrides the registry defaults for one upstream.
// Zero values fall back to the defaults at evaluation time.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty"` // consecutive failures before opening
	OpenDurationMs   int `json:"open_duration_ms,omitempty"`  // how long the circuit stays open
	HalfOpenProbes   int `json:"half_open_probes,omitempty"`  // concurrent probes allowed half-open
	MaxConcurrent    int `json:"max_concurrent,omitempty"`    // 0 = unlimited in-flight requests
}

// AffinityMigration controls when a sticky session may leave its upstream
// for a better-priority candidate.
type AffinityMigration struct {
	Enabled   bool   `json:"enabled"`
	Metric    string `json:"metric"` // "tokens" or "length"
	Threshold int64  `json:"threshold"`
}

// Migration metrics.
const (
	MigrateByTokens = "tokens"
	MigrateByLength = "length"
)

// Upstream is a configured provider endpoint the gateway can forward to.
type Upstream struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	ProviderType   string            `json:"provider_type"` // informational tag: "openai", "anthropic", ...
	Capabilities   []RouteCapability `json:"capabilities"`
	Priority       int               `json:"priority"` // lower = preferred tier
	Weight         int               `json:"weight"`   // >= 1, weighted draw within a tier
	IsActive       bool              `json:"is_active"`
	AllowedModels  []string          `json:"allowed_models,omitempty"`  // nil = all models
	ModelRedirects map[string]string `json:"model_redirects,omitempty"` // src -> dst rewrite on outbound body
	CredentialEnc  string            `json:"-"`                         // ciphertext, never exposed
	TimeoutSeconds int               `json:"timeout_seconds"`           // per-attempt total deadline, default 60

	DailySpendingLimit   *float64 `json:"daily_spending_limit,omitempty"`   // USD, nil = unlimited
	MonthlySpendingLimit *float64 `json:"monthly_spending_limit,omitempty"` // USD, nil = unlimited
	BillingInputMult     float64  `json:"billing_input_multiplier"`         // default 1.0
	BillingOutputMult    float64  `json:"billing_output_multiplier"`        // default 1.0

	CircuitBreaker    *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`
	AffinityMigration *AffinityMigration    `json:"affinity_migration,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapability reports whether the upstream declares cap.
func (u *Upstream) HasCapability(cap RouteCapability) bool {
	for _, c := range u.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AllowsModel reports whether model passes the upstream's allow-list.
// A nil or empty list allows every model.
func (u *Upstream) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Timeout returns the per-attempt deadline with the default applied.
func (u *Upstream) Timeout() time.Duration {
	if u.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// --- API keys ---

// Key hash algorithms. SHA-256 keys are matched by hash lookup;
// bcrypt keys are matched by prefix lookup plus compare.
const (
	KeyAlgoSHA256 = "sha256"
	KeyAlgoBcrypt = "bcrypt"
)

// APIKey represents a gateway-issued API key.
type APIKey struct {
	ID          string     `json:"id"`
	KeyHash     string     `json:"-"`          // sha256 hex or bcrypt hash, never exposed
	KeyPrefix   string     `json:"key_prefix"` // first 8 chars for display and bcrypt lookup
	Algo        string     `json:"algo"`       // "sha256" (default) or "bcrypt"
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpstreamIDs []string   `json:"upstream_ids"` // the only source of routing authority
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	KeyID       string   `json:"key_id"`
	KeyPrefix   string   `json:"key_prefix"`
	UpstreamIDs []string `json:"upstream_ids"`
}

// Authorized reports whether the identity may route to the given upstream.
func (id *Identity) Authorized(upstreamID string) bool {
	for _, u := range id.UpstreamIDs {
		if u == upstreamID {
			return true
		}
	}
	return false
}

// --- Compensation rules ---

// Compensation rule modes.
const (
	CompensateMissingOnly = "missing_only"
	CompensateAlways      = "always"
)

// CompensationRule copies inbound header/body values into a required outbound
// header when the upstream expects one the client did not send.
type CompensationRule struct {
	ID           string            `json:"id"`
	Capabilities []RouteCapability `json:"capabilities"`
	Sources      []string          `json:"sources"`       // inbound header names, first non-empty wins
	TargetHeader string            `json:"target_header"` // outbound header to populate
	Mode         string            `json:"mode"`          // missing_only | always
	BuiltIn      bool              `json:"built_in"`      // built-ins are editable only via the enable flag
	Enabled      bool              `json:"enabled"`
}

// AppliesTo reports whether the rule is active for the capability.
func (r *CompensationRule) AppliesTo(cap RouteCapability) bool {
	if !r.Enabled {
		return false
	}
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// --- Usage ---

// Usage is the normalized token accounting extracted from an upstream
// response, whatever vendor shape it arrived in.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CachedTokens        int `json:"cached_tokens,omitempty"`
	ReasoningTokens     int `json:"reasoning_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// IsZero reports whether no usage was extracted at all.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Merge keeps the larger of each counter. Streaming protocols may deliver
// usage across several frames (message_start carries input tokens,
// message_delta the output); Merge folds them into one record.
func (u Usage) Merge(o Usage) Usage {
	return Usage{
		PromptTokens:        maxInt(u.PromptTokens, o.PromptTokens),
		CompletionTokens:    maxInt(u.CompletionTokens, o.CompletionTokens),
		TotalTokens:         maxInt(u.TotalTokens, o.TotalTokens),
		CachedTokens:        maxInt(u.CachedTokens, o.CachedTokens),
		ReasoningTokens:     maxInt(u.ReasoningTokens, o.ReasoningTokens),
		CacheCreationTokens: maxInt(u.CacheCreationTokens, o.CacheCreationTokens),
		CacheReadTokens:     maxInt(u.CacheReadTokens, o.CacheReadTokens),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// --- Routing decision ---

// Exclusion reasons recorded by the candidate selector.
type ExclusionReason string

const (
	ExcludeNotAuthorized      ExclusionReason = "not_authorized"
	ExcludeCapabilityMismatch ExclusionReason = "capability_mismatch"
	ExcludeModelNotAllowed    ExclusionReason = "model_not_allowed"
	ExcludeInactive           ExclusionReason = "inactive"
	ExcludeCircuitOpen        ExclusionReason = "circuit_open"
	ExcludeQuotaExceeded      ExclusionReason = "quota_exceeded"
	ExcludeOverrideMismatch   ExclusionReason = "override_mismatch"
)

// RoutingType records how the request was matched and ordered.
type RoutingType string

const (
	RouteByProviderType   RoutingType = "provider_type"   // classified by model vendor prefix
	RouteByPathCapability RoutingType = "path_capability" // classified by path table
	RouteTiered           RoutingType = "tiered"          // candidate list spans priority tiers
	RouteNone             RoutingType = "none"            // failed before selection
)

// SelectionStrategy orders candidates within a priority tier.
type SelectionStrategy string

const (
	SelectWeighted   SelectionStrategy = "weighted"
	SelectRoundRobin SelectionStrategy = "round_robin"
	SelectPriority   SelectionStrategy = "priority"
)

// FailureStage pinpoints where a failed request died.
type FailureStage string

const (
	StageCandidateSelection FailureStage = "candidate_selection"
	StageUpstreamConnect    FailureStage = "upstream_connect"
	StageUpstreamResponse   FailureStage = "upstream_response"
	StageStreamInterrupt    FailureStage = "stream_interrupt"
)

// ExcludedUpstream names one upstream dropped during selection and why.
type ExcludedUpstream struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Reason ExclusionReason `json:"reason"`
}

// RoutingDecision is the post-hoc explanation of how a request was routed.
type RoutingDecision struct {
	OriginalModel        string             `json:"original_model,omitempty"`
	ResolvedModel        string             `json:"resolved_model,omitempty"`
	ModelRedirectApplied bool               `json:"model_redirect_applied"`
	RoutingType          RoutingType        `json:"routing_type"`
	MatchedCapability    RouteCapability    `json:"matched_route_capability,omitempty"`
	SelectionStrategy    SelectionStrategy  `json:"selection_strategy,omitempty"`
	Candidates           []string           `json:"candidates,omitempty"` // upstream IDs in attempt order
	Excluded             []ExcludedUpstream `json:"excluded,omitempty"`
	CandidateCount       int                `json:"candidate_count"`
	FinalCandidateCount  int                `json:"final_candidate_count"`
	SelectedUpstreamID   string             `json:"selected_upstream_id,omitempty"` // first chosen
	ActualUpstreamID     string             `json:"actual_upstream_id,omitempty"`   // ultimately served
	DidSendUpstream      bool               `json:"did_send_upstream"`
	FailureStage         FailureStage       `json:"failure_stage,omitempty"`
}

// --- Failover attempts ---

// AttemptErrorType classifies one failed upstream attempt.
type AttemptErrorType string

const (
	AttemptTimeout         AttemptErrorType = "timeout"
	AttemptHTTP5xx         AttemptErrorType = "http_5xx"
	AttemptHTTP429         AttemptErrorType = "http_429"
	AttemptHTTP4xx         AttemptErrorType = "http_4xx"
	AttemptConnectionError AttemptErrorType = "connection_error"
	AttemptCircuitOpen     AttemptErrorType = "circuit_open"
	AttemptNoCandidates    AttemptErrorType = "no_candidates"
)

// FailoverAttempt records one try against one upstream.
type FailoverAttempt struct {
	UpstreamID   string           `json:"upstream_id"`
	UpstreamName string           `json:"upstream_name"`
	AttemptedAt  time.Time        `json:"attempted_at"`
	ErrorType    AttemptErrorType `json:"error_type"`
	StatusCode   int              `json:"status_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
}

// --- Request log ---

// HeaderDiff summarizes how the outbound header set differs from the inbound.
// Only names are recorded, never values.
type HeaderDiff struct {
	InboundCount  int      `json:"inbound_count"`
	OutboundCount int      `json:"outbound_count"`
	Added         []string `json:"added,omitempty"`
	Removed       []string `json:"removed,omitempty"`
	Changed       []string `json:"changed,omitempty"`
}

// RequestLog is the diagnostic record assembled at request end and handed to
// the log sink. Structured fields are persisted as JSON columns.
type RequestLog struct {
	ID                string            `json:"id"`
	APIKeyID          string            `json:"api_key_id"`
	UpstreamID        string            `json:"upstream_id,omitempty"` // actual, empty if never sent
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	Model             string            `json:"model,omitempty"`
	Usage             Usage             `json:"usage"`
	StatusCode        int               `json:"status_code"`
	DurationMs        int64             `json:"duration_ms"`
	RoutingDurationMs int64             `json:"routing_duration_ms"`
	TTFTMs            int64             `json:"ttft_ms,omitempty"` // streams only
	IsStream          bool              `json:"is_stream"`
	RoutingType       RoutingType       `json:"routing_type"`
	GroupName         string            `json:"group_name,omitempty"` // capability the request classified to
	LBStrategy        SelectionStrategy `json:"lb_strategy,omitempty"`
	FailoverCount     int               `json:"failover_attempts"`
	FailoverHistory   []FailoverAttempt `json:"failover_history,omitempty"`
	Decision          *RoutingDecision  `json:"routing_decision,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
	AffinityHit       bool              `json:"affinity_hit"`
	AffinityMigrated  bool              `json:"affinity_migrated"`
	SessionIDComped   bool              `json:"session_id_compensated"`
	HeaderDiff        *HeaderDiff       `json:"header_diff,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	Billing           *BillingSnapshot  `json:"billing,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// --- Billing ---

// Price sources, in cascade order.
const (
	PriceSourceManualOverride = "manual_override"
	PriceSourceSyncedCatalog  = "synced_catalog"
)

// ModelPrice holds per-million-token USD prices for one model.
type ModelPrice struct {
	Model          string    `json:"model"`
	Source         string    `json:"source"` // manual_override | synced_catalog
	InputPerMTok   float64   `json:"input_per_mtok"`
	OutputPerMTok  float64   `json:"output_per_mtok"`
	CacheReadPerM  float64   `json:"cache_read_per_mtok"`
	CacheWritePerM float64   `json:"cache_write_per_mtok"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Billing statuses.
const (
	BillingStatusBilled     = "billed"
	BillingStatusUnbillable = "unbillable"
)

// BillingSnapshot is the priced view of one request's usage.
type BillingSnapshot struct {
	Model            string  `json:"model"`
	Status           string  `json:"status"` // billed | unbillable
	UnbillableReason string  `json:"unbillable_reason,omitempty"`
	PriceSource      string  `json:"price_source,omitempty"`
	InputMultiplier  float64 `json:"input_multiplier"`
	OutputMultiplier float64 `json:"output_multiplier"`
	FinalCostUSD     float64 `json:"final_cost_usd"` // rounded to 6 decimals
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Tollgate API keys.
const APIKeyPrefix = "tg_"

// KeyPrefixLen is how many characters of the raw key are kept for display.
const KeyPrefixLen = 8

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// PrefixOf returns the display prefix of a raw key.
func PrefixOf(raw string) string {
	if len(raw) <= KeyPrefixLen {
		return raw
	}
	return raw[:KeyPrefixLen]
}

// --- Interfaces consumed by the request path ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// RequestLogSink accepts finished request logs. Write must never block the
// caller; implementations buffer and drop under pressure.
type RequestLogSink interface {
	Write(RequestLog)
}
