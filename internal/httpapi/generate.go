package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/storyforge/internal/agentruntime"
	"github.com/haasonsaas/storyforge/internal/contextbuilder"
	"github.com/haasonsaas/storyforge/internal/pipeline"
	"github.com/haasonsaas/storyforge/internal/storyagents"
)

type generateRequest struct {
	Input       string `json:"input"`
	SaveResult  bool   `json:"saveResult"`
	Mode        string `json:"mode"`
	FragmentID  string `json:"fragmentId"`
	ModelID     string `json:"modelId"`
	RefineNotes string `json:"refineInstructions"`
}

// handleGenerate implements POST /stories/{sid}/generate: builds and runs a
// Pipeline, streaming its NDJSON lines directly to the client as they're
// produced.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")

	var req generateRequest
	if status, err := decodeJSONRequest(w, r, &req); err != nil {
		s.jsonError(w, "invalid request body: "+err.Error(), status)
		return
	}

	meta, err := s.Resources.Meta(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	pl, err := s.Resources.Pipeline(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	mode := pipeline.Mode(req.Mode)
	if mode == "" {
		mode = pipeline.ModeGenerate
	}
	storyMeta := meta.Get()

	pipelineReq := pipeline.Request{
		Mode:               mode,
		Story:              storyMetaToContextStory(storyMeta),
		AuthorInput:        req.Input,
		TargetFragmentID:   req.FragmentID,
		RefineInstructions: req.RefineNotes,
		Limit:              contextLimitFromMeta(storyMeta),
		ModelID:            req.ModelID,
		MaxSteps:           storyMeta.MaxSteps,
		SaveResult:         req.SaveResult,
	}
	if resources, ok := s.Resources.(*DirResources); ok {
		pipelineReq.BlockConfig = resources.blockConfig(storyID)
	}

	lines, _, err := pl.Run(r.Context(), pipelineReq)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	for line := range lines {
		if _, err := bw.Write(line); err != nil {
			return
		}
		if err := bw.Flush(); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

type directionSuggestion struct {
	Pacing      string `json:"pacing"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Instruction string `json:"instruction"`
}

type suggestDirectionsRequest struct {
	Count int `json:"count"`
}

type suggestDirectionsResponse struct {
	Suggestions []directionSuggestion `json:"suggestions"`
}

const suggestDirectionsAgent = storyagents.AgentName
const defaultDirectionCount = 3

// handleSuggestDirections implements POST /stories/{sid}/suggest-directions
// by invoking the registered suggestDirections agent (component F) over the
// story's current context.
func (s *Server) handleSuggestDirections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")

	var req suggestDirectionsRequest
	if r.ContentLength > 0 {
		if status, err := decodeJSONRequest(w, r, &req); err != nil {
			s.jsonError(w, "invalid request body: "+err.Error(), status)
			return
		}
	}
	if req.Count <= 0 {
		req.Count = defaultDirectionCount
	}

	if s.Agents == nil {
		s.jsonError(w, "agent registry not configured", http.StatusServiceUnavailable)
		return
	}

	meta, err := s.Resources.Meta(storyID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	storyMeta := meta.Get()

	input, err := json.Marshal(struct {
		Count   int                   `json:"count"`
		Summary string                `json:"summary"`
		Story   *contextbuilder.Story `json:"story"`
	}{Count: req.Count, Summary: storyMeta.Summary, Story: storyMetaToContextStory(storyMeta)})
	if err != nil {
		s.jsonError(w, "failed to encode agent input", http.StatusInternalServerError)
		return
	}

	res, err := agentruntime.InvokeAgent(r.Context(), s.Agents, "", storyID, suggestDirectionsAgent, input, agentruntime.Options{})
	if err != nil {
		var invokeErr *agentruntime.InvokeError
		if errors.As(err, &invokeErr) && invokeErr.RunID != "" {
			s.Traces.Record(storyID, &agentruntime.Result{RunID: invokeErr.RunID, Trace: invokeErr.Trace})
		}
		s.writeAPIError(w, err)
		return
	}
	s.Traces.Record(storyID, res)

	var out suggestDirectionsResponse
	if err := json.Unmarshal(res.Output, &out); err != nil {
		s.jsonError(w, "agent returned malformed suggestions", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, out)
}
