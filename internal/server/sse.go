package server

import (
	"encoding/json"
	"net/http"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// Pre-allocated byte slices for SSE framing. These avoid heap allocations
// on the streaming error path.
var (
	sseErrorEvent = []byte("event: error\ndata: ")
	sseNewline    = []byte("\n\n")
)

// writeSSEError delivers an error envelope as a terminal SSE event on a
// stream whose status line has already been sent. The connection is left to
// close; clients treat an error event as stream end.
func writeSSEError(w http.ResponseWriter, env gateway.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	w.Write(sseErrorEvent)
	w.Write(payload)
	w.Write(sseNewline)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
