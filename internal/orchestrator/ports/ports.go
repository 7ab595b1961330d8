// Package ports collects the repository and external-collaborator
// interfaces the orchestrator core consumes. Concrete implementations
// (Postgres via bun, Redis, JWT/OIDC) live in internal/infrastructure and
// internal/application; the core never imports them directly.
package ports

import (
	"context"
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// ProcessGraphRepository persists and retrieves published process graphs.
type ProcessGraphRepository interface {
	FindLatestVersion(ctx context.Context, id string) (*graph.ProcessGraph, bool, error)
	FindByIDAndVersion(ctx context.Context, id string, version int) (*graph.ProcessGraph, bool, error)
	FindByStatus(ctx context.Context, status graph.GraphStatus) ([]*graph.ProcessGraph, error)
	Save(ctx context.Context, g *graph.ProcessGraph) error
	DeleteByID(ctx context.Context, id string) error
}

// ProcessInstanceRepository persists and retrieves running/completed instances.
type ProcessInstanceRepository interface {
	FindByID(ctx context.Context, id string) (*instance.ProcessInstance, bool, error)
	FindByCorrelationID(ctx context.Context, correlationID string) ([]*instance.ProcessInstance, error)
	FindByStatus(ctx context.Context, status instance.Status) ([]*instance.ProcessInstance, error)
	FindRunning(ctx context.Context) ([]*instance.ProcessInstance, error)
	Save(ctx context.Context, inst *instance.ProcessInstance) error
}

// DecisionTraceRepository persists the append-only decision trace history.
type DecisionTraceRepository interface {
	Save(ctx context.Context, t trace.DecisionTrace) error
	FindByID(ctx context.Context, id string) (*trace.DecisionTrace, bool, error)
	FindByInstanceID(ctx context.Context, instanceID string) ([]trace.DecisionTrace, error)
	FindByInstanceIDAndTimeRange(ctx context.Context, instanceID string, from, to time.Time) ([]trace.DecisionTrace, error)
	FindLatestByInstanceID(ctx context.Context, instanceID string) (*trace.DecisionTrace, bool, error)
	FindByInstanceIDAndType(ctx context.Context, instanceID string, typ trace.Type) ([]trace.DecisionTrace, error)
	CountByInstanceID(ctx context.Context, instanceID string) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ClientConfigSource resolves tenant-scoped configuration merged into the
// client compartment of the RuntimeContext.
type ClientConfigSource interface {
	LoadFor(ctx context.Context, tenantID string) (map[string]any, error)
}
