package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/storyforge/internal/activeagents"
)

// handleActiveAgents implements GET /stories/{sid}/active-agents: the
// current snapshot of agent invocations in flight for the story.
func (s *Server) handleActiveAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storyID := r.PathValue("sid")
	if s.ActiveAgents == nil {
		s.jsonResponse(w, []any{})
		return
	}
	s.jsonResponse(w, s.ActiveAgents.List(storyID))
}

var activeAgentsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// activeAgentDelta is one register/unregister event pushed over the
// websocket stream.
type activeAgentDelta struct {
	Event string             `json:"event"`
	Entry activeagents.Entry `json:"entry"`
}

// handleActiveAgentsStream implements GET /stories/{sid}/active-agents/stream:
// a websocket that pushes register/unregister deltas for a story's active
// agents, supplemental to the poll-friendly handleActiveAgents.
func (s *Server) handleActiveAgentsStream(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("sid")
	if s.ActiveAgents == nil {
		s.jsonError(w, "active agent registry not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := activeAgentsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("active-agents stream upgrade failed", "story", storyID, "error", err)
		return
	}
	defer conn.Close()

	deltas := make(chan activeAgentDelta, 16)
	unsubscribe := s.ActiveAgents.Subscribe(func(event string, entry activeagents.Entry) {
		select {
		case deltas <- activeAgentDelta{Event: event, Entry: entry}:
		default:
			// Slow consumer: drop rather than block the registry.
		}
	})
	defer unsubscribe()

	// Surface read errors (including client disconnect) without blocking
	// writes; gorilla requires a read loop to process control frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case d := <-deltas:
			if err := conn.WriteJSON(d); err != nil {
				return
			}
		}
	}
}
