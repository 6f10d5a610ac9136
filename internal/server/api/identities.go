package api

import (
	"net/http"

	"github.com/4hmed7ounas/wraith-camera-module/internal/identity"
)

// IdentitiesHandler lists the names known to the identity store.
type IdentitiesHandler struct {
	store *identity.Store
}

// NewIdentitiesHandler creates an IdentitiesHandler for the given store.
func NewIdentitiesHandler(s *identity.Store) *IdentitiesHandler {
	return &IdentitiesHandler{store: s}
}

// ServeHTTP handles GET requests to /api/identities.
func (h *IdentitiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": h.store.Count(),
		"names": h.store.Names(),
	})
}
