// Package server provides the HTTP surface for the camera pipeline.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/4hmed7ounas/wraith-camera-module/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// keep the last few unknown-identity events around so a slow operator
// can still answer the oldest prompt.
const eventBacklog = 8

// enrollMessage is what a client sends to name an unknown identity.
// EventID is optional; when absent the most recent event is assumed.
type enrollMessage struct {
	Name    string `json:"name"`
	EventID string `json:"event_id,omitempty"`
}

// EventsHandler pushes pipeline events to WebSocket clients and feeds
// their enrollment answers back into the pipeline.
type EventsHandler struct {
	pipeline *pipeline.Orchestrator

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	recent  []pipeline.UnknownIdentityEvent
}

// NewEventsHandler creates a handler bound to the given pipeline.
func NewEventsHandler(p *pipeline.Orchestrator) *EventsHandler {
	return &EventsHandler{
		pipeline: p,
		clients:  make(map[*websocket.Conn]bool),
	}
}

// Publish fans an unknown-identity event out to every connected client.
// Wire it as the pipeline's event callback.
func (h *EventsHandler) Publish(ev pipeline.UnknownIdentityEvent) {
	h.mu.Lock()
	h.recent = append(h.recent, ev)
	if len(h.recent) > eventBacklog {
		h.recent = h.recent[len(h.recent)-eventBacklog:]
	}
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	msg, err := json.Marshal(map[string]any{
		"type":      "unknown_identity",
		"event":     ev,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.WithError(err).Debug("event write failed; client will be dropped on next read")
		}
	}
}

// ServeHTTP handles WebSocket upgrade requests, then reads enrollment
// answers until the client goes away.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg enrollMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Name == "" {
			continue
		}
		h.enroll(msg)
	}
}

// enroll resolves the referenced event's feature vector and hands the
// name to the pipeline.
func (h *EventsHandler) enroll(msg enrollMessage) {
	h.mu.RLock()
	var found *pipeline.UnknownIdentityEvent
	if msg.EventID == "" {
		if n := len(h.recent); n > 0 {
			found = &h.recent[n-1]
		}
	} else {
		for i := range h.recent {
			if h.recent[i].ID == msg.EventID {
				found = &h.recent[i]
				break
			}
		}
	}
	h.mu.RUnlock()

	if found == nil {
		log.WithField("event", msg.EventID).Warn("enrollment for unknown or expired event")
		return
	}
	h.pipeline.Enroll(pipeline.Enrollment{Name: msg.Name, Feature: found.Feature})
}
