package observer

import (
	"log/slog"
	"sync"
)

// WebSocketHub owns the set of connected clients and routes broadcast
// frames to the ones that should see them.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	broadcast  chan []byte

	byExecutionID map[string]map[*WebSocketClient]bool

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewWebSocketHub creates a hub and starts its dispatch loop.
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	h := &WebSocketHub{
		clients:       make(map[*WebSocketClient]bool),
		register:      make(chan *WebSocketClient),
		unregister:    make(chan *WebSocketClient),
		broadcast:     make(chan []byte, 256),
		byExecutionID: make(map[string]map[*WebSocketClient]bool),
		logger:        logger,
	}
	go h.run()
	return h
}

func (h *WebSocketHub) run() {
	for {
		select {
		case c := <-h.register:
			h.registerClient(c)
		case c := <-h.unregister:
			h.unregisterClient(c)
		case msg := <-h.broadcast:
			h.broadcastToAll(msg)
		}
	}
}

// Register adds a client to the hub synchronously.
func (h *WebSocketHub) Register(c *WebSocketClient) {
	h.registerClient(c)
}

// Unregister removes a client from the hub synchronously.
func (h *WebSocketHub) Unregister(c *WebSocketClient) {
	h.unregisterClient(c)
}

func (h *WebSocketHub) registerClient(c *WebSocketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = true
	if c.executionID != "" {
		if h.byExecutionID[c.executionID] == nil {
			h.byExecutionID[c.executionID] = make(map[*WebSocketClient]bool)
		}
		h.byExecutionID[c.executionID][c] = true
	}

	if h.logger != nil {
		h.logger.Debug("websocket client registered", "client_id", c.ID, "total_clients", len(h.clients))
	}
}

func (h *WebSocketHub) unregisterClient(c *WebSocketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	if c.executionID != "" {
		if clients, ok := h.byExecutionID[c.executionID]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.byExecutionID, c.executionID)
			}
		}
	}

	if h.logger != nil {
		h.logger.Debug("websocket client unregistered", "client_id", c.ID, "total_clients", len(h.clients))
	}
}

// Broadcast sends a frame to every connected client regardless of
// execution subscription.
func (h *WebSocketHub) Broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.allClientsLocked(), message)
}

func (h *WebSocketHub) broadcastToAll(message []byte) {
	h.Broadcast(message)
}

// BroadcastToExecution sends a frame to clients subscribed to executionID
// plus clients with no execution filter (they receive everything).
func (h *WebSocketHub) BroadcastToExecution(executionID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*WebSocketClient]bool)
	if clients, ok := h.byExecutionID[executionID]; ok {
		for c := range clients {
			targets[c] = true
		}
	}
	for c := range h.clients {
		if c.executionID == "" {
			targets[c] = true
		}
	}
	h.deliver(targets, message)
}

func (h *WebSocketHub) allClientsLocked() map[*WebSocketClient]bool {
	targets := make(map[*WebSocketClient]bool, len(h.clients))
	for c := range h.clients {
		targets[c] = true
	}
	return targets
}

func (h *WebSocketHub) deliver(targets map[*WebSocketClient]bool, message []byte) {
	for c := range targets {
		select {
		case c.send <- message:
		default:
			if h.logger != nil {
				h.logger.Warn("websocket client buffer full, dropping message", "client_id", c.ID)
			}
		}
	}
}

// ClientCount returns the number of currently registered clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
