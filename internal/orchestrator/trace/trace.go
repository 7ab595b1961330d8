// Package trace builds and persists the immutable DecisionTrace record
// emitted once per orchestration cycle, regardless of outcome.
package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/decide"
	"github.com/flowcore/orchestrator/internal/orchestrator/evaluate"
	"github.com/flowcore/orchestrator/internal/orchestrator/govern"
)

// Type is the category of a recorded trace.
type Type string

const (
	TypeNavigation Type = "NAVIGATION"
	TypeExecution  Type = "EXECUTION"
	TypeWait       Type = "WAIT"
	TypeBlocked    Type = "BLOCKED"
)

// Outcome is the final disposition the trace records.
type Outcome string

const (
	OutcomeExecuted Outcome = "EXECUTED"
	OutcomeWaiting  Outcome = "WAITING"
	OutcomeBlocked  Outcome = "BLOCKED"
	OutcomeFailed   Outcome = "FAILED"
)

// NodeSummary is a per-node line in the evaluation snapshot.
type NodeSummary struct {
	NodeID    string
	Available bool
	Reason    string
}

// EdgeSummary is a per-edge line in the evaluation snapshot.
type EdgeSummary struct {
	EdgeID      string
	Traversable bool
	Reason      string
}

// EvaluationSnapshot captures the EligibleSpace's per-node/per-edge reasons.
type EvaluationSnapshot struct {
	Nodes []NodeSummary
	Edges []EdgeSummary
}

// DecisionSnapshot captures the navigation decision.
type DecisionSnapshot struct {
	Type              decide.DecisionType
	SelectionCriteria decide.SelectionCriteria
	SelectionReason   string
	Alternatives      []decide.Alternative
}

// GovernanceSnapshot captures the governor's result, when a node was selected.
type GovernanceSnapshot struct {
	Approved            bool
	IdempotencyReason   string
	AuthorizationReason string
	PolicyGateReason    string
}

// DecisionTrace is the immutable record of one orchestration cycle.
type DecisionTrace struct {
	ID              string
	Timestamp       time.Time
	InstanceID      string
	Type            Type
	ContextSnapshot map[string]any
	Evaluation      EvaluationSnapshot
	Decision        DecisionSnapshot
	Governance      *GovernanceSnapshot
	Outcome         Outcome
	NodeID          string
	Error           string
}

// Repository is the append-only persistence port for decision traces.
type Repository interface {
	Append(ctx context.Context, t DecisionTrace) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (deleted int, err error)
}

// IDGenerator produces a new unique trace id.
type IDGenerator func() string

// Tracer builds DecisionTrace records from the evaluation/decision/
// governance values of one cycle and records them.
type Tracer struct {
	Repo      Repository
	NewID     IDGenerator
	Logger    *slog.Logger
	Retention time.Duration
}

// DefaultRetention is the default decision-trace retention window.
const DefaultRetention = 90 * 24 * time.Hour

func NewTracer(repo Repository, newID IDGenerator, logger *slog.Logger, retention time.Duration) *Tracer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracer{Repo: repo, NewID: newID, Logger: logger, Retention: retention}
}

// BuildEvaluationSnapshot projects an EligibleSpace into the trace's
// evaluation snapshot, including both accepted and rejected candidates.
func BuildEvaluationSnapshot(space evaluate.EligibleSpace) EvaluationSnapshot {
	snap := EvaluationSnapshot{}
	seenNode := make(map[string]bool)
	for _, c := range space.CandidateActions {
		if !seenNode[c.Node.ID] {
			snap.Nodes = append(snap.Nodes, NodeSummary{NodeID: c.Node.ID, Available: true})
			seenNode[c.Node.ID] = true
		}
		if c.EdgeEvaluation != nil {
			snap.Edges = append(snap.Edges, EdgeSummary{EdgeID: c.EdgeEvaluation.EdgeID, Traversable: true})
		}
	}
	for _, r := range space.Rejected {
		if !seenNode[r.NodeID] {
			snap.Nodes = append(snap.Nodes, NodeSummary{NodeID: r.NodeID, Available: false, Reason: r.Reason})
			seenNode[r.NodeID] = true
		}
		if r.EdgeID != "" {
			snap.Edges = append(snap.Edges, EdgeSummary{EdgeID: r.EdgeID, Traversable: false, Reason: r.Reason})
		}
	}
	return snap
}

// BuildDecisionSnapshot projects a Decision into the trace's decision snapshot.
func BuildDecisionSnapshot(d decide.Decision) DecisionSnapshot {
	return DecisionSnapshot{
		Type:              d.Type,
		SelectionCriteria: d.SelectionCriteria,
		SelectionReason:   d.SelectionReason,
		Alternatives:      d.Alternatives,
	}
}

// BuildGovernanceSnapshot projects a governance Result into the trace's
// governance snapshot.
func BuildGovernanceSnapshot(r govern.Result) *GovernanceSnapshot {
	return &GovernanceSnapshot{
		Approved:            r.Approved,
		IdempotencyReason:   r.Idempotency.Reason,
		AuthorizationReason: r.Authorization.Reason,
		PolicyGateReason:    r.PolicyGate.Reason,
	}
}

// Record builds and appends t's Timestamp/ID if unset, persists it, and
// logs at an outcome-appropriate level.
func (t *Tracer) Record(ctx context.Context, trace DecisionTrace) error {
	if trace.ID == "" && t.NewID != nil {
		trace.ID = t.NewID()
	}
	if trace.Timestamp.IsZero() {
		trace.Timestamp = time.Now()
	}

	if t.Logger != nil {
		attrs := []any{
			slog.String("instanceId", trace.InstanceID),
			slog.String("traceId", trace.ID),
			slog.String("type", string(trace.Type)),
			slog.String("outcome", string(trace.Outcome)),
		}
		switch trace.Type {
		case TypeExecution, TypeNavigation:
			t.Logger.Info("decision trace", attrs...)
		case TypeWait:
			t.Logger.Debug("decision trace", attrs...)
		case TypeBlocked:
			t.Logger.Warn("decision trace", attrs...)
		}
	}

	if t.Repo == nil {
		return nil
	}
	return t.Repo.Append(ctx, trace)
}

// DeleteOlderThan enforces the retention window against the repository.
func (t *Tracer) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if t.Repo == nil {
		return 0, nil
	}
	return t.Repo.DeleteOlderThan(ctx, cutoff)
}
