package observer

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard origins vary by deployment; the gateway in front of this
	// service is responsible for access control.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades incoming HTTP requests to websocket connections
// bound to the hub and exposes a lightweight health endpoint.
type WebSocketHandler struct {
	hub    *WebSocketHub
	logger *slog.Logger
}

// NewWebSocketHandler creates a handler serving connections through hub.
func NewWebSocketHandler(hub *WebSocketHub, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger}
}

// ServeHTTP upgrades the request and registers the resulting client.
// An optional execution_id query parameter scopes the client to events
// from a single process instance.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("execution_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
		}
		return
	}

	clientID := uuid.New().String()
	client := NewWebSocketClient(clientID, conn, h.hub, executionID)
	h.hub.Register(client)

	welcome := map[string]interface{}{
		"type":         "control",
		"message":      "Connected to FlowCore WebSocket",
		"client_id":    clientID,
		"execution_id": executionID,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	_ = conn.WriteJSON(welcome)

	go client.writePump()
	go client.readPump()
}

// HandleHealthCheck reports hub liveness for load-balancer probes.
func (h *WebSocketHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":            "healthy",
		"connected_clients": h.hub.ClientCount(),
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}
