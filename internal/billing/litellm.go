package billing

import (
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// ParseLiteLLMCatalog converts a LiteLLM model-prices document into
// synced_catalog price rows. The document maps model names to objects with
// per-token USD costs; entries without usable costs (spec samples, free
// models without cache pricing) are skipped. Model names are normalized so
// "anthropic/claude-sonnet-4" and "claude-sonnet-4" collapse to one row.
func ParseLiteLLMCatalog(doc []byte, now time.Time) []gateway.ModelPrice {
	const mtok = 1_000_000

	seen := make(map[string]bool)
	var prices []gateway.ModelPrice

	gjson.ParseBytes(doc).ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		in := value.Get("input_cost_per_token")
		out := value.Get("output_cost_per_token")
		if !in.Exists() && !out.Exists() {
			return true
		}

		name := NormalizeModelName(key.String())
		if name == "" || seen[name] {
			return true // first entry wins; vendor-prefixed duplicates follow
		}
		seen[name] = true

		prices = append(prices, gateway.ModelPrice{
			Model:          name,
			Source:         gateway.PriceSourceSyncedCatalog,
			InputPerMTok:   in.Float() * mtok,
			OutputPerMTok:  out.Float() * mtok,
			CacheReadPerM:  value.Get("cache_read_input_token_cost").Float() * mtok,
			CacheWritePerM: value.Get("cache_creation_input_token_cost").Float() * mtok,
			UpdatedAt:      now,
		})
		return true
	})
	return prices
}
