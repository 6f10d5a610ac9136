package api

import (
	"net/http"

	"github.com/4hmed7ounas/wraith-camera-module/internal/pipeline"
)

// SnapshotHandler asks the pipeline to save the next annotated frame.
type SnapshotHandler struct {
	pipeline *pipeline.Orchestrator
}

// NewSnapshotHandler creates a SnapshotHandler for the given pipeline.
func NewSnapshotHandler(p *pipeline.Orchestrator) *SnapshotHandler {
	return &SnapshotHandler{pipeline: p}
}

// ServeHTTP handles POST requests to /api/snapshot.
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.pipeline.SaveFrame()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
