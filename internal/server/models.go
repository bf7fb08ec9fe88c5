package server

import (
	"net/http"
	"sort"
	"time"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// handleListModels aggregates model IDs across the caller's authorized,
// active upstreams and returns an OpenAI-compatible list. Only explicit
// allow-lists and redirect keys contribute; an upstream that accepts every
// model has nothing enumerable to report.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())

	upstreams, err := s.deps.Catalog.ActiveUpstreams(r.Context())
	if err != nil {
		writeProxyError(w, r, asProxyError(err), false)
		return
	}

	owned := make(map[string]string)
	for _, up := range upstreams {
		if !identity.Authorized(up.ID) {
			continue
		}
		for _, m := range up.AllowedModels {
			owned[m] = up.ProviderType
		}
		for src := range up.ModelRedirects {
			owned[src] = up.ProviderType
		}
	}

	ids := make([]string, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now().Unix()
	data := make([]modelEntry, len(ids))
	for i, id := range ids {
		data[i] = modelEntry{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: owned[id],
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
