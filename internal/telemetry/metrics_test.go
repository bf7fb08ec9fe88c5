package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.AttemptsTotal == nil {
		t.Error("AttemptsTotal is nil")
	}
	if m.AttemptDuration == nil {
		t.Error("AttemptDuration is nil")
	}
	if m.CircuitOpens == nil {
		t.Error("CircuitOpens is nil")
	}
	if m.TTFT == nil {
		t.Error("TTFT is nil")
	}
	if m.TokensTotal == nil {
		t.Error("TokensTotal is nil")
	}
	if m.SpendUSD == nil {
		t.Error("SpendUSD is nil")
	}
	if m.LogsDropped == nil {
		t.Error("LogsDropped is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Increment counters and observe histograms to verify they work.
	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.AttemptsTotal.WithLabelValues("openai-primary", "success").Inc()
	m.AffinityHits.Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)
	m.TTFT.Observe(0.05)
	m.TokensTotal.WithLabelValues("gpt-4o", "prompt").Add(128)
	m.SpendUSD.WithLabelValues("openai-primary").Add(0.002)
	m.LogQueueSize.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"tollgate_requests_total",
		"tollgate_upstream_attempts_total",
		"tollgate_affinity_hits_total",
		"tollgate_active_requests",
		"tollgate_request_duration_seconds",
		"tollgate_stream_ttft_seconds",
		"tollgate_tokens_total",
		"tollgate_spend_usd_total",
		"tollgate_request_log_queue_length",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
