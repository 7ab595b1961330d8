package observer

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 8192
	wsSendBufferSize = 256
)

// WebSocketClient represents a single connected dashboard/subscriber socket.
// An empty executionID means the client receives events for every execution.
type WebSocketClient struct {
	ID          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *WebSocketHub
	executionID string

	subscriptions map[EventType]bool
}

// NewWebSocketClient creates a client bound to a connection and hub.
func NewWebSocketClient(id string, conn *websocket.Conn, hub *WebSocketHub, executionID string) *WebSocketClient {
	return &WebSocketClient{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		hub:           hub,
		executionID:   executionID,
		subscriptions: make(map[EventType]bool),
	}
}

// IsSubscribed reports whether the client wants events of the given type.
// No subscriptions recorded means "receive everything".
func (c *WebSocketClient) IsSubscribed(t EventType) bool {
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[t]
}

// handleMessage parses a client->server control frame and applies it.
// Malformed frames and unknown commands are dropped without error: the
// socket is best-effort control, not a command channel with guarantees.
func (c *WebSocketClient) handleMessage(message []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return
	}

	switch cmd.Command {
	case wsCmdSubscribe:
		for _, et := range cmd.EventTypes {
			c.subscriptions[EventType(et)] = true
		}
	case wsCmdUnsubscribe:
		for _, et := range cmd.EventTypes {
			delete(c.subscriptions, EventType(et))
		}
	}
}

// readPump drains client->server frames until the connection closes.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(message)
	}
}

// writePump delivers broadcast frames and keepalive pings to the client.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
