package observer

import (
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// EventType is the category of decision trace a dashboard client can
// subscribe to or filter on.
type EventType = trace.Type

// WebSocketMessage is the wire envelope sent to connected dashboard clients.
// Exactly one of Trace or Control is populated depending on Type.
type WebSocketMessage struct {
	Type      string                 `json:"type"`
	Trace     *TracePayload          `json:"trace,omitempty"`
	Control   map[string]interface{} `json:"control,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// TracePayload is the JSON-friendly projection of a DecisionTrace.
type TracePayload struct {
	ID         string        `json:"id"`
	InstanceID string        `json:"instance_id"`
	Type       trace.Type    `json:"type"`
	NodeID     string        `json:"node_id,omitempty"`
	Outcome    trace.Outcome `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

func traceToMessage(t trace.DecisionTrace) *WebSocketMessage {
	return &WebSocketMessage{
		Type:      "trace",
		Timestamp: t.Timestamp,
		Trace: &TracePayload{
			ID:         t.ID,
			InstanceID: t.InstanceID,
			Type:       t.Type,
			NodeID:     t.NodeID,
			Outcome:    t.Outcome,
			Error:      t.Error,
			Timestamp:  t.Timestamp,
		},
	}
}

// Command types sent from client to server over the socket.
const (
	wsCmdSubscribe   = "subscribe"
	wsCmdUnsubscribe = "unsubscribe"
)

// clientCommand is the shape of a client -> server control message.
type clientCommand struct {
	Command    string   `json:"command"`
	EventTypes []string `json:"event_types"`
}
