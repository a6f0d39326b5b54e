package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/storyforge/internal/librarian"
)

// handleLibrarianStream implements GET /stories/{sid}/librarian/stream:
// NDJSON replay of the story's current (or most recent) analysis buffer,
// then live-follow until the run finishes.
func (s *Server) handleLibrarianStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")

	if s.Librarian == nil {
		s.jsonError(w, "librarian not configured", http.StatusServiceUnavailable)
		return
	}
	buf, ok := s.Librarian.Buffer(storyID)
	if !ok {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	bw := bufio.NewWriter(w)

	writeEvent := func(ev librarian.StreamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		bw.Write(data)
		bw.WriteString("\n")
		bw.Flush()
		if canFlush {
			flusher.Flush()
		}
	}

	if err := buf.Subscribe(r.Context(), func(ev librarian.StreamEvent) {
		writeEvent(ev)
	}); err != nil {
		writeEvent(librarian.StreamEvent{Type: librarian.EventError, Error: err.Error()})
	}
}
