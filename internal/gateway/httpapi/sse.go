package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
)

// sseWriter frames agent events as server-sent events:
//
//	event: <type>
//	data: <json>
//
// Headers are written with the first event so that errors raised before
// streaming starts can still be answered with a JSON status code.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// Write sends one event and flushes it to the client.
func (s *sseWriter) Write(e agent.Event) error {
	data, err := agent.Payload(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type(), err)
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type(), data); err != nil {
		return fmt.Errorf("writing %s event: %w", e.Type(), err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flushing %s event: %w", e.Type(), err)
	}
	return nil
}

// Started reports whether any event was written.
func (s *sseWriter) Started() bool { return s.started }
