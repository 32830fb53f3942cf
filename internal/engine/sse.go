package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SSEWriter encodes stream events as server-sent events, flushing after
// every event so deltas reach the client as they arrive.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares w for event streaming and sets the SSE response
// headers when w is an http.ResponseWriter.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Connection", "keep-alive")
	}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Send writes one event.
func (s *SSEWriter) Send(event StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
