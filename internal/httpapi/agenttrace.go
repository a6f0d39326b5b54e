package httpapi

import (
	"net/http"

	"github.com/haasonsaas/storyforge/internal/apierrors"
)

// handleAgentTrace implements GET /stories/{sid}/agent-traces/{runId}: the
// call-tree trace recorded for a prior agent invocation made through this
// server (e.g. suggest-directions), supplemental to the generation-log and
// librarian-stream surfaces.
func (s *Server) handleAgentTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")
	runID := r.PathValue("runId")

	trace, ok := s.Traces.Get(storyID, runID)
	if !ok {
		s.writeAPIError(w, apierrors.New(apierrors.KindNotFound, "agent trace not found: "+runID))
		return
	}
	s.jsonResponse(w, trace)
}
