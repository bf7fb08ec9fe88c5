package server

import (
	"net/http"

	"github.com/tollgatehq/tollgate/internal/circuitbreaker"
)

// upstreamStatus is the operator view of one upstream on the internal plane.
type upstreamStatus struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Capabilities []string                 `json:"capabilities"`
	Priority     int                      `json:"priority"`
	Weight       int                      `json:"weight"`
	IsActive     bool                     `json:"is_active"`
	Circuit      *circuitbreaker.Snapshot `json:"circuit,omitempty"`
	QuotaHit     bool                     `json:"quota_exceeded"`
}

// handleInternalUpstreams reports every configured upstream with its circuit
// and quota state. Credentials never appear here.
func (s *server) handleInternalUpstreams(w http.ResponseWriter, r *http.Request) {
	upstreams, err := s.deps.Catalog.Upstreams(r.Context())
	if err != nil {
		writeProxyError(w, r, asProxyError(err), false)
		return
	}
	snapshots := s.deps.Registry.Snapshots()

	out := make([]upstreamStatus, 0, len(upstreams))
	for _, up := range upstreams {
		caps := make([]string, len(up.Capabilities))
		for i, c := range up.Capabilities {
			caps[i] = string(c)
		}
		st := upstreamStatus{
			ID:           up.ID,
			Name:         up.Name,
			Capabilities: caps,
			Priority:     up.Priority,
			Weight:       up.Weight,
			IsActive:     up.IsActive,
		}
		if snap, ok := snapshots[up.ID]; ok {
			st.Circuit = &snap
		}
		if s.deps.Quota != nil {
			st.QuotaHit = s.deps.Quota.Exceeded(up.ID, up.DailySpendingLimit, up.MonthlySpendingLimit)
		}
		out = append(out, st)
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// handleInternalInvalidate fans the invalidation signal out to the catalog,
// price, and key caches. The next request re-reads from storage.
func (s *server) handleInternalInvalidate(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Invalidate != nil {
		s.deps.Invalidate()
	}
	w.WriteHeader(http.StatusNoContent)
}
