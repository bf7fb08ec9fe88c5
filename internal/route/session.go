package route

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// SessionSource records where a session ID came from.
type SessionSource string

const (
	SessionNone   SessionSource = ""
	SessionHeader SessionSource = "header"
	SessionBody   SessionSource = "body"
)

// anthropicSessionRe matches the session UUID Claude clients embed in
// metadata.user_id, e.g. "user_abc_account__session_<uuid>".
var anthropicSessionRe = regexp.MustCompile(`session_([0-9a-fA-F-]{36})`)

// openaiSessionHeaders is the header probe order for OpenAI-family routes.
var openaiSessionHeaders = []string{"session_id", "x-session-id", "x_session_id"}

// openaiSessionFields is the body probe order for OpenAI-family routes.
var openaiSessionFields = []string{"prompt_cache_key", "metadata.session_id", "previous_response_id"}

// ExtractSession pulls the affinity session ID for the capability. Gemini
// routes have no session strategy and always return SessionNone.
func ExtractSession(capability gateway.RouteCapability, header http.Header, body []byte) (string, SessionSource) {
	if len(body) > probeLimit {
		body = body[:probeLimit]
	}
	switch capability {
	case gateway.CapAnthropicMessages:
		userID := gjson.GetBytes(body, "metadata.user_id").String()
		if m := anthropicSessionRe.FindStringSubmatch(userID); m != nil {
			return strings.ToLower(m[1]), SessionBody
		}
		return "", SessionNone

	case gateway.CapOpenAIChatCompatible, gateway.CapOpenAIExtended, gateway.CapCodexResponses:
		for _, name := range openaiSessionHeaders {
			if v := header.Get(name); v != "" {
				return v, SessionHeader
			}
		}
		for _, field := range openaiSessionFields {
			if v := gjson.GetBytes(body, field).String(); v != "" {
				return v, SessionBody
			}
		}
		return "", SessionNone

	default:
		return "", SessionNone
	}
}
