package httpapi

func (s *Server) routes() {
	s.mux.HandleFunc("/stories/{sid}/generate", s.handleGenerate)
	s.mux.HandleFunc("/stories/{sid}/suggest-directions", s.handleSuggestDirections)
	s.mux.HandleFunc("/stories/{sid}/generation-logs", s.handleGenerationLogs)
	s.mux.HandleFunc("/stories/{sid}/generation-logs/{id}", s.handleGenerationLog)
	s.mux.HandleFunc("/stories/{sid}/fragments", s.handleFragments)
	s.mux.HandleFunc("/stories/{sid}/fragments/{fid}", s.handleFragment)
	s.mux.HandleFunc("/stories/{sid}/fragments/{fid}/tags", s.handleFragmentTags)
	s.mux.HandleFunc("/stories/{sid}/librarian/stream", s.handleLibrarianStream)
	s.mux.HandleFunc("/stories/{sid}/active-agents", s.handleActiveAgents)
	s.mux.HandleFunc("/stories/{sid}/active-agents/stream", s.handleActiveAgentsStream)
	s.mux.HandleFunc("/stories/{sid}/agent-traces/{runId}", s.handleAgentTrace)
	s.mux.HandleFunc("/plugins", s.handlePlugins)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
}
