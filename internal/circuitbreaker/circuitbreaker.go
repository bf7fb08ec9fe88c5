// Package circuitbreaker tracks per-upstream health: consecutive failures,
// a latency EWMA over successful requests, and a closed/open/half-open
// circuit. It short-circuits requests to known-bad upstreams, reducing
// failover latency from seconds (timeout + network) to nanoseconds (state check).
package circuitbreaker

import (
	"sync"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a bounded number of probe requests.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ewmaAlpha is the smoothing factor for the success-latency average.
const ewmaAlpha = 0.2

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	OpenDuration     time.Duration // time in OPEN before transitioning to HALF_OPEN
	HalfOpenProbes   int           // concurrent probes allowed while half-open
	MaxConcurrent    int           // in-flight cap, 0 = unlimited
}

// DefaultConfig returns the registry-wide defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// merge overlays per-upstream overrides onto the base config.
func (c Config) merge(o *gateway.CircuitBreakerConfig) Config {
	if o == nil {
		return c
	}
	if o.FailureThreshold > 0 {
		c.FailureThreshold = o.FailureThreshold
	}
	if o.OpenDurationMs > 0 {
		c.OpenDuration = time.Duration(o.OpenDurationMs) * time.Millisecond
	}
	if o.HalfOpenProbes > 0 {
		c.HalfOpenProbes = o.HalfOpenProbes
	}
	if o.MaxConcurrent > 0 {
		c.MaxConcurrent = o.MaxConcurrent
	}
	return c
}

// Breaker is the per-upstream health state machine. All transitions happen
// inside RecordSuccess/RecordFailure under the breaker's lock; Allow and
// State perform the time-driven OPEN -> HALF_OPEN move lazily.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int       // consecutive failures, reset on success
	healthy  bool      // false after any failure until the next success
	openedAt time.Time // when transitioned to OPEN
	probes   int       // half-open probes in flight
	inFlight int       // outstanding requests (informational unless MaxConcurrent set)
	lastUsed time.Time // for stale eviction

	ewma       float64 // success latency EWMA, milliseconds
	ewmaSeeded bool
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		healthy:  true,
		lastUsed: time.Now(),
	}
}

// tick applies the time-driven OPEN -> HALF_OPEN transition. Callers hold mu.
func (b *Breaker) tick(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.probes = 0
	}
}

// State returns the current breaker state, accounting for elapsed open time.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(time.Now())
	return b.state
}

// Allow reports whether a request may proceed. In the half-open state it
// consumes one probe slot; the following RecordSuccess or RecordFailure
// releases it.
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.tick(now)

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenProbes {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// Acquire increments the in-flight counter. It fails only when the upstream
// configured a hard MaxConcurrent cap and the cap is reached.
func (b *Breaker) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.MaxConcurrent > 0 && b.inFlight >= b.cfg.MaxConcurrent {
		return false
	}
	b.inFlight++
	return true
}

// Release decrements the in-flight counter.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	b.mu.Unlock()
}

// ForfeitProbe returns a half-open probe slot without recording an
// outcome. Attempts that end in a verdict that is neither a success nor
// an upstream failure (a client-caused 4xx) must forfeit, or the slot
// would stay consumed and wedge the breaker half-open.
func (b *Breaker) ForfeitProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

// RecordSuccess resets the failure count, updates the latency EWMA, and
// closes a half-open circuit.
func (b *Breaker) RecordSuccess(latency time.Duration) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.healthy = true
	b.failures = 0

	ms := float64(latency) / float64(time.Millisecond)
	if b.ewmaSeeded {
		b.ewma = ewmaAlpha*ms + (1-ewmaAlpha)*b.ewma
	} else {
		b.ewma = ms
		b.ewmaSeeded = true
	}

	if b.state == StateHalfOpen {
		// Close and discard pre-open latency history; the probe reseeds it.
		b.state = StateClosed
		b.probes = 0
		b.ewma = ms
		b.ewmaSeeded = true
	}
}

// RecordFailure increments the consecutive failure count and trips the
// circuit at the threshold. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.tick(now)
	b.healthy = false
	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probes = 0
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}

// Snapshot is a point-in-time view of one breaker for introspection.
type Snapshot struct {
	State               string  `json:"state"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LatencyEWMAMs       float64 `json:"latency_ewma_ms"`
	InFlight            int     `json:"in_flight"`
}

// Snapshot returns the breaker's current state for diagnostics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(time.Now())
	return Snapshot{
		State:               b.state.String(),
		Healthy:             b.healthy,
		ConsecutiveFailures: b.failures,
		LatencyEWMAMs:       b.ewma,
		InFlight:            b.inFlight,
	}
}
