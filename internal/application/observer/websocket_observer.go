package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// TraceFilter reports whether a decision trace should reach the hub.
type TraceFilter func(trace.DecisionTrace) bool

// WebSocketObserver wraps a trace.Repository, broadcasting every appended
// decision trace to connected dashboard clients before delegating to the
// wrapped repository's own persistence. Wiring it in place of the plain
// repository passed to trace.NewTracer is what makes cycles observable
// live, with no change to the tracer itself.
type WebSocketObserver struct {
	repo   trace.Repository
	hub    *WebSocketHub
	filter TraceFilter
	logger *slog.Logger
}

// WebSocketObserverOption configures a WebSocketObserver at construction.
type WebSocketObserverOption func(*WebSocketObserver)

// WithWebSocketFilter restricts which traces reach the hub.
func WithWebSocketFilter(filter TraceFilter) WebSocketObserverOption {
	return func(o *WebSocketObserver) { o.filter = filter }
}

// WithWebSocketLogger overrides the observer's logger.
func WithWebSocketLogger(logger *slog.Logger) WebSocketObserverOption {
	return func(o *WebSocketObserver) { o.logger = logger }
}

// NewWebSocketObserver creates an observer that broadcasts through hub and
// delegates persistence to repo.
func NewWebSocketObserver(repo trace.Repository, hub *WebSocketHub, opts ...WebSocketObserverOption) *WebSocketObserver {
	o := &WebSocketObserver{repo: repo, hub: hub}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GetHub returns the underlying hub, mainly for wiring the HTTP handler.
func (o *WebSocketObserver) GetHub() *WebSocketHub { return o.hub }

// Append broadcasts t to subscribed dashboard clients and then persists it
// through the wrapped repository, satisfying trace.Repository.
func (o *WebSocketObserver) Append(ctx context.Context, t trace.DecisionTrace) error {
	if o.filter == nil || o.filter(t) {
		o.broadcast(t)
	}
	if o.repo == nil {
		return nil
	}
	return o.repo.Append(ctx, t)
}

// DeleteOlderThan delegates to the wrapped repository.
func (o *WebSocketObserver) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if o.repo == nil {
		return 0, nil
	}
	return o.repo.DeleteOlderThan(ctx, cutoff)
}

func (o *WebSocketObserver) broadcast(t trace.DecisionTrace) {
	msg := traceToMessage(t)

	data, err := json.Marshal(msg)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("failed to encode decision trace", "error", err)
		}
		return
	}

	o.hub.BroadcastToExecution(t.InstanceID, data)
}
