// Package api implements the JSON control endpoints for the camera
// pipeline.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
	"github.com/4hmed7ounas/wraith-camera-module/internal/pipeline"
)

// StagesHandler lists detection stages and toggles them.
type StagesHandler struct {
	pipeline *pipeline.Orchestrator
}

// NewStagesHandler creates a StagesHandler for the given pipeline.
func NewStagesHandler(p *pipeline.Orchestrator) *StagesHandler {
	return &StagesHandler{pipeline: p}
}

// toggleRequest is the body of a POST to /api/stages.
type toggleRequest struct {
	Stage   string `json:"stage"`
	Enabled bool   `json:"enabled"`
}

// ServeHTTP routes stage requests by method.
func (h *StagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r)
	case http.MethodPost:
		h.handleToggle(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleList returns the per-stage scheduling counters.
func (h *StagesHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Stats().Stages)
}

// handleToggle enables or disables one stage. The change is applied by
// the frame loop between frames, so the response means "queued", not
// "done".
func (h *StagesHandler) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	kind, ok := detect.ParseKind(req.Stage)
	if !ok {
		http.Error(w, "Unknown stage", http.StatusBadRequest)
		return
	}

	h.pipeline.ToggleStage(kind, req.Enabled)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"stage":   kind.String(),
		"enabled": req.Enabled,
	})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
