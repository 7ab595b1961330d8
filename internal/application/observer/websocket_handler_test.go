package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

func TestNewWebSocketHandler(t *testing.T) {
	log := testLogger()
	hub := NewWebSocketHub(log)
	handler := NewWebSocketHandler(hub, log)

	assert.NotNil(t, handler)
	assert.Equal(t, hub, handler.hub)
	assert.Equal(t, log, handler.logger)
}

func TestWebSocketHandler_ServeHTTP(t *testing.T) {
	t.Run("successful WebSocket upgrade", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		var welcomeMsg map[string]any
		err = conn.ReadJSON(&welcomeMsg)
		require.NoError(t, err)

		assert.Equal(t, "control", welcomeMsg["type"])
		assert.Equal(t, "Connected to FlowCore WebSocket", welcomeMsg["message"])
		assert.NotEmpty(t, welcomeMsg["client_id"])
		assert.NotEmpty(t, welcomeMsg["timestamp"])

		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 1, hub.ClientCount())
	})

	t.Run("with execution_id query parameter", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?execution_id=instance-123"

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		var welcomeMsg map[string]any
		err = conn.ReadJSON(&welcomeMsg)
		require.NoError(t, err)

		assert.Equal(t, "instance-123", welcomeMsg["execution_id"])
	})

	t.Run("without execution_id parameter", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		var welcomeMsg map[string]any
		err = conn.ReadJSON(&welcomeMsg)
		require.NoError(t, err)

		assert.Equal(t, "", welcomeMsg["execution_id"])
	})

	t.Run("multiple clients connection", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn1.Close() }()

		conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn2.Close() }()

		conn3, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn3.Close() }()

		var welcomeMsg map[string]any
		_ = conn1.ReadJSON(&welcomeMsg)
		_ = conn2.ReadJSON(&welcomeMsg)
		_ = conn3.ReadJSON(&welcomeMsg)

		time.Sleep(50 * time.Millisecond)

		assert.Equal(t, 3, hub.ClientCount())
	})

	t.Run("client disconnection", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)

		var welcomeMsg map[string]any
		_ = conn.ReadJSON(&welcomeMsg)

		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 1, hub.ClientCount())

		_ = conn.Close()

		time.Sleep(50 * time.Millisecond)

		assert.Equal(t, 0, hub.ClientCount())
	})

	t.Run("receives broadcasted messages", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		var welcomeMsg map[string]any
		_ = conn.ReadJSON(&welcomeMsg)

		time.Sleep(10 * time.Millisecond)

		testMessage := []byte(`{"type": "test", "data": "hello"}`)
		hub.Broadcast(testMessage)

		_, message, err := conn.ReadMessage()
		require.NoError(t, err)

		var receivedMsg map[string]any
		_ = json.Unmarshal(message, &receivedMsg)

		assert.Equal(t, "test", receivedMsg["type"])
		assert.Equal(t, "hello", receivedMsg["data"])
	})

	t.Run("execution-specific filtering", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL1 := "ws" + strings.TrimPrefix(server.URL, "http") + "?execution_id=instance-123"
		wsURL2 := "ws" + strings.TrimPrefix(server.URL, "http") + "?execution_id=instance-456"

		conn1, _, err := websocket.DefaultDialer.Dial(wsURL1, nil)
		require.NoError(t, err)
		defer func() { _ = conn1.Close() }()

		conn2, _, err := websocket.DefaultDialer.Dial(wsURL2, nil)
		require.NoError(t, err)
		defer func() { _ = conn2.Close() }()

		var welcomeMsg map[string]any
		_ = conn1.ReadJSON(&welcomeMsg)
		_ = conn2.ReadJSON(&welcomeMsg)

		time.Sleep(10 * time.Millisecond)

		message := []byte(`{"instance_id": "instance-123"}`)
		hub.BroadcastToExecution("instance-123", message)

		_ = conn1.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, receivedMsg, err := conn1.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(receivedMsg), "instance-123")

		_ = conn2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, err = conn2.ReadMessage()
		assert.Error(t, err)
	})
}

func TestWebSocketHandler_HandleHealthCheck(t *testing.T) {
	t.Run("returns healthy status", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		handler.HandleHealthCheck(w, req)

		resp := w.Result()
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var status map[string]any
		err := json.NewDecoder(resp.Body).Decode(&status)
		require.NoError(t, err)

		assert.Equal(t, "healthy", status["status"])
		assert.Equal(t, float64(0), status["connected_clients"])
		assert.NotEmpty(t, status["timestamp"])
	})

	t.Run("returns correct client count", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		client1 := &WebSocketClient{ID: "client-1", send: make(chan []byte, 256), hub: hub, subscriptions: make(map[EventType]bool)}
		client2 := &WebSocketClient{ID: "client-2", send: make(chan []byte, 256), hub: hub, subscriptions: make(map[EventType]bool)}

		hub.Register(client1)
		hub.Register(client2)
		time.Sleep(10 * time.Millisecond)

		req := httptest.NewRequest("GET", "/health", nil)
		w := httptest.NewRecorder()

		handler.HandleHealthCheck(w, req)

		resp := w.Result()
		defer func() { _ = resp.Body.Close() }()

		var status map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&status)

		assert.Equal(t, float64(2), status["connected_clients"])
	})
}

func TestWebSocketUpgrader(t *testing.T) {
	t.Run("allows all origins", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Origin", "http://example.com")

		allowed := upgrader.CheckOrigin(req)
		assert.True(t, allowed, "should allow all origins in development")
	})

	t.Run("buffer sizes configured", func(t *testing.T) {
		assert.Equal(t, 1024, upgrader.ReadBufferSize)
		assert.Equal(t, 1024, upgrader.WriteBufferSize)
	})
}

func TestWebSocketHandler_Integration(t *testing.T) {
	t.Run("end-to-end trace broadcasting", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())
		repo := &fakeTraceRepository{}
		obs := NewWebSocketObserver(repo, hub)

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		var welcomeMsg map[string]any
		_ = conn.ReadJSON(&welcomeMsg)

		time.Sleep(10 * time.Millisecond)

		tr := trace.DecisionTrace{
			ID:         "trace-1",
			InstanceID: "instance-123",
			Type:       trace.TypeExecution,
			Outcome:    trace.OutcomeExecuted,
			Timestamp:  time.Now(),
		}

		err = obs.Append(context.Background(), tr)
		require.NoError(t, err)

		var traceMsg WebSocketMessage
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		err = conn.ReadJSON(&traceMsg)
		require.NoError(t, err)

		assert.Equal(t, "trace", traceMsg.Type)
		assert.Equal(t, "instance-123", traceMsg.Trace.InstanceID)
		assert.Equal(t, trace.TypeExecution, traceMsg.Trace.Type)
	})

	t.Run("multiple traces in sequence", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())
		repo := &fakeTraceRepository{}
		obs := NewWebSocketObserver(repo, hub)

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		var welcomeMsg map[string]any
		_ = conn.ReadJSON(&welcomeMsg)

		time.Sleep(10 * time.Millisecond)

		traces := []trace.DecisionTrace{
			{ID: "t1", InstanceID: "instance-123", Type: trace.TypeNavigation, Outcome: trace.OutcomeWaiting},
			{ID: "t2", InstanceID: "instance-123", Type: trace.TypeExecution, Outcome: trace.OutcomeExecuted},
			{ID: "t3", InstanceID: "instance-123", Type: trace.TypeBlocked, Outcome: trace.OutcomeBlocked},
		}

		for _, tr := range traces {
			_ = obs.Append(context.Background(), tr)
			time.Sleep(10 * time.Millisecond)
		}

		receivedTypes := make([]trace.Type, 0)
		for range traces {
			var traceMsg WebSocketMessage
			err = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			require.NoError(t, err)
			err = conn.ReadJSON(&traceMsg)
			require.NoError(t, err)
			receivedTypes = append(receivedTypes, traceMsg.Trace.Type)
		}

		assert.Contains(t, receivedTypes, trace.TypeNavigation)
		assert.Contains(t, receivedTypes, trace.TypeExecution)
		assert.Contains(t, receivedTypes, trace.TypeBlocked)
	})
}

func TestWebSocketClient_MessageHandling(t *testing.T) {
	t.Run("client can send subscribe command", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		var welcomeMsg map[string]any
		_ = conn.ReadJSON(&welcomeMsg)

		time.Sleep(10 * time.Millisecond)

		subscribeMsg := map[string]any{
			"command":     "subscribe",
			"event_types": []string{"EXECUTION", "BLOCKED"},
		}

		err = conn.WriteJSON(subscribeMsg)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
	})

	t.Run("client can send unsubscribe command", func(t *testing.T) {
		hub := NewWebSocketHub(testLogger())
		handler := NewWebSocketHandler(hub, testLogger())

		server := httptest.NewServer(handler)
		defer server.Close()

		wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		var welcomeMsg map[string]any
		_ = conn.ReadJSON(&welcomeMsg)

		time.Sleep(10 * time.Millisecond)

		unsubscribeMsg := map[string]any{
			"command":     "unsubscribe",
			"event_types": []string{"NAVIGATION"},
		}

		err = conn.WriteJSON(unsubscribeMsg)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
	})
}
