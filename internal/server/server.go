// Package server provides the HTTP surface for the camera pipeline:
// status, stage control, the annotated MJPEG stream and the event
// WebSocket.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/4hmed7ounas/wraith-camera-module/internal/capture"
	"github.com/4hmed7ounas/wraith-camera-module/internal/identity"
	"github.com/4hmed7ounas/wraith-camera-module/internal/pipeline"
	"github.com/4hmed7ounas/wraith-camera-module/internal/server/api"
)

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Pipeline  *pipeline.Orchestrator
	Store     *identity.Store

	// Output is the latch the pipeline publishes annotated frames to.
	Output *capture.Latch
}

// Server routes HTTP requests to the pipeline's control and output
// surfaces.
type Server struct {
	config Config
	mux    *http.ServeMux
	events *EventsHandler
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Pipeline != nil {
		s.mux.Handle("/api/stages", api.NewStagesHandler(s.config.Pipeline))
		s.mux.Handle("/api/snapshot", api.NewSnapshotHandler(s.config.Pipeline))

		s.events = NewEventsHandler(s.config.Pipeline)
		s.mux.Handle("/api/events", s.events)
	}

	if s.config.Store != nil {
		s.mux.Handle("/api/identities", api.NewIdentitiesHandler(s.config.Store))
	}

	if s.config.Output != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Output))
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// Events returns the WebSocket handler so the pipeline's event callback
// can be wired to it.
func (s *Server) Events() *EventsHandler {
	return s.events
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.Pipeline != nil {
		response["pipeline"] = s.config.Pipeline.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}
