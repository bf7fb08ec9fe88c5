package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// asProxyError coerces any request-path error into the canonical form.
// Sentinel errors map to their stable codes; everything else is a 503.
func asProxyError(err error) *gateway.ProxyError {
	var perr *gateway.ProxyError
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrKeyExpired),
		errors.Is(err, gateway.ErrKeyInactive):
		return gateway.NewProxyError(gateway.CodeUnauthorized, err.Error())
	case errors.Is(err, gateway.ErrUnsupportedRoute):
		return gateway.NewProxyError(gateway.CodeUnsupportedRoute, err.Error())
	case errors.Is(err, gateway.ErrBodyTooLarge):
		return gateway.NewProxyError(gateway.CodePayloadTooLarge, err.Error())
	case errors.Is(err, gateway.ErrClientGone):
		return gateway.NewProxyError(gateway.CodeClientDisconnected, err.Error())
	case errors.Is(err, gateway.ErrInvalidBaseURL):
		return gateway.NewProxyError(gateway.CodeInvalidUpstreamURL, err.Error())
	default:
		return gateway.NewProxyError(gateway.CodeServiceUnavailable, err.Error())
	}
}

// writeProxyError renders the canonical envelope. When the response has
// already been flushed mid-stream, the status line is gone; the envelope is
// delivered as a terminal SSE error event instead.
func writeProxyError(w http.ResponseWriter, r *http.Request, perr *gateway.ProxyError, flushed bool) {
	perr.RequestID = gateway.RequestIDFromContext(r.Context())
	if flushed {
		writeSSEError(w, perr.Envelope())
		return
	}
	writeJSON(w, perr.HTTPStatus(), perr.Envelope())
}
