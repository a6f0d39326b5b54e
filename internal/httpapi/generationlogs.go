package httpapi

import (
	"net/http"
)

// handleGenerationLogs implements GET /stories/{sid}/generation-logs,
// returning the summary index newest-first.
func (s *Server) handleGenerationLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")

	logs, err := s.Resources.LogStore(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	summaries, err := logs.List()
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.jsonResponse(w, summaries)
}

// handleGenerationLog implements GET /stories/{sid}/generation-logs/{id},
// returning the full persisted record including messages and tool calls.
func (s *Server) handleGenerationLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")
	id := r.PathValue("id")

	logs, err := s.Resources.LogStore(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	log, err := logs.Get(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.jsonResponse(w, log)
}
