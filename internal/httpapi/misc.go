package httpapi

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pluginManifest describes one registered agent as a "plugin" the way the
// donor's plugin-manifest surface advertises extension points: just enough
// for a client to know what it can invoke.
type pluginManifest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// handlePlugins implements GET /plugins: every registered agent, sorted for
// stable output.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var manifests []pluginManifest
	if s.Agents != nil {
		names := s.Agents.Names()
		sort.Strings(names)
		for _, name := range names {
			manifests = append(manifests, pluginManifest{Name: name, Kind: "agent"})
		}
	}
	s.jsonResponse(w, manifests)
}

// handleMetrics implements GET /metrics via the default Prometheus
// registry, the same exposition format used across this stack's services.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

type healthzResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// handleHealthz implements GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, healthzResponse{Status: "ok", Uptime: time.Since(s.StartedAt).String()})
}
