package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
	"github.com/4hmed7ounas/wraith-camera-module/internal/identity"
	"github.com/4hmed7ounas/wraith-camera-module/internal/pipeline"
)

func testServer(t *testing.T) (*Server, *identity.Store) {
	t.Helper()

	store, err := identity.Open(filepath.Join(t.TempDir(), "identities.db"))
	if err != nil {
		t.Fatalf("identity.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	orch := pipeline.New(pipeline.Config{
		Stages: []pipeline.Stage{
			{Kind: detect.KindIdentity, Capability: detect.NewMockCapability(), SkipInterval: 5},
			{Kind: detect.KindObject, Capability: detect.NewMockCapability(), SkipInterval: 2},
		},
		Store: store,
	})

	return New(Config{Pipeline: orch, Store: store}), store
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Status   string         `json:"status"`
		Pipeline pipeline.Stats `json:"pipeline"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Pipeline.State != "idle" {
		t.Errorf("pipeline state = %q, want idle before Run", body.Pipeline.State)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestStagesList(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stages", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var stages []pipeline.StageStats
	if err := json.NewDecoder(w.Body).Decode(&stages); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("got %d stages, want 2", len(stages))
	}
	// Identity first: stages come back in priority order.
	if stages[0].Kind != detect.KindIdentity || stages[1].Kind != detect.KindObject {
		t.Errorf("stage order = %v, %v", stages[0].Kind, stages[1].Kind)
	}
	for _, st := range stages {
		if !st.Enabled {
			t.Errorf("stage %s disabled at startup", st.Kind)
		}
	}
}

func TestStagesToggle(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "valid toggle", body: `{"stage":"object","enabled":false}`, wantCode: http.StatusAccepted},
		{name: "unknown stage", body: `{"stage":"weather","enabled":true}`, wantCode: http.StatusBadRequest},
		{name: "malformed body", body: `{"stage":`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t)

			req := httptest.NewRequest(http.MethodPost, "/api/stages", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestSnapshotQueues(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/snapshot", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestIdentitiesList(t *testing.T) {
	srv, store := testServer(t)

	if err := store.Register([]float32{1, 0}, "alice"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/identities", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Count int      `json:"count"`
		Names []string `json:"names"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 || len(body.Names) != 1 || body.Names[0] != "alice" {
		t.Errorf("identities = %+v, want one alice", body)
	}
}

func TestStreamRouteAbsentWithoutOutput(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d when no output latch is wired", w.Code, http.StatusNotFound)
	}
}
