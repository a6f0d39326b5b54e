package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/storyforge/internal/activeagents"
	"github.com/haasonsaas/storyforge/internal/agentruntime"
	"github.com/haasonsaas/storyforge/internal/apierrors"
	"github.com/haasonsaas/storyforge/internal/librarian"
)

var maxAPIRequestBodyBytes int64 = 10 * 1024 * 1024

const maxQueryParamLen = 512

// Server is the HTTP surface (component K): one ServeMux wired to
// Resources, the librarian scheduler, the active-agent registry, and the
// agent registry used for trace lookups and supplemental agent endpoints.
type Server struct {
	Resources    Resources
	Librarian    *librarian.Scheduler
	ActiveAgents *activeagents.Registry
	Agents       *agentruntime.Registry
	Traces       *TraceStore
	Logger       *slog.Logger
	StartedAt    time.Time

	mux *http.ServeMux
}

// NewServer builds a Server with all routes registered.
func NewServer(cfg Server) *Server {
	s := &cfg
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	if s.Traces == nil {
		s.Traces = NewTraceStore()
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, wrapped with request logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	wrapped := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(wrapped, r)
	s.Logger.Debug("http request",
		"method", r.Method, "path", r.URL.Path, "status", wrapped.status, "duration", time.Since(start))
}

type statusResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func clampQueryParam(r *http.Request, key string) string {
	v := r.URL.Query().Get(key)
	if len(v) > maxQueryParamLen {
		return v[:maxQueryParamLen]
	}
	return v
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}

func decodeJSONRequest(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIRequestBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, err
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("json encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeAPIError maps an apierrors.Error (or any error) to the right status
// code, matching §7's error-handling design.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		s.jsonError(w, apiErr.Error(), apiErr.Kind.HTTPStatus())
		return
	}
	s.jsonError(w, err.Error(), http.StatusInternalServerError)
}
