package api

import (
	"encoding/json"
	"net/http"

	"github.com/mgerstgrasser/tacheles/internal/chat"
)

// ndjsonWriter writes chat frames one per line and flushes after each. The
// status line goes out with the first frame, so errors before it can still
// be reported as a regular JSON error response.
type ndjsonWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	return &ndjsonWriter{w: w, rc: http.NewResponseController(w)}
}

func (n *ndjsonWriter) Started() bool {
	return n.started
}

func (n *ndjsonWriter) WriteFrame(f chat.Frame) error {
	if !n.started {
		h := n.w.Header()
		h.Set("Content-Type", "application/x-ndjson")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	if err := json.NewEncoder(n.w).Encode(f); err != nil {
		return err
	}
	return n.rc.Flush()
}
