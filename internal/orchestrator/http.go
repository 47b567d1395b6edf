package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/apex-daemon/apexd/internal/process"
)

// Server is the minimal local HTTP status surface: GET /healthz (liveness +
// StateFile snapshot) and GET /events (SSE event stream). It deliberately
// carries no task CRUD or project management — a full REST API is an
// explicit non-goal, this exists only so an external status/reporter tool
// can observe the daemon without importing the Go packages directly.
type Server struct {
	orch        *Orchestrator
	projectPath string
	handler     http.Handler
}

// NewServer builds the chi-routed, cors-wrapped HTTP handler.
func NewServer(orch *Orchestrator, projectPath string) *Server {
	s := &Server{orch: orch, projectPath: projectPath}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/events", s.handleEvents)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type healthzResponse struct {
	Status string              `json:"status"`
	Stale  bool                `json:"stale"`
	State  *process.StateFile  `json:"state,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sf, err := process.ReadStateFile(s.projectPath)
	w.Header().Set("Content-Type", "application/json")
	if err != nil || sf == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(healthzResponse{Status: "unknown"})
		return
	}

	stale := sf.IsStale(time.Now())
	resp := healthzResponse{Status: "ok", Stale: stale, State: sf}
	if stale {
		resp.Status = "stale"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.orch.Subscribe(64)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload)
			flusher.Flush()
		}
	}
}
