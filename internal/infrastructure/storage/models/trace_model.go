package models

import (
	"time"

	"github.com/uptrace/bun"
)

// NodeSummaryRecord is one per-node line of a trace's evaluation snapshot.
type NodeSummaryRecord struct {
	NodeID    string `json:"node_id"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// EdgeSummaryRecord is one per-edge line of a trace's evaluation snapshot.
type EdgeSummaryRecord struct {
	EdgeID      string `json:"edge_id"`
	Traversable bool   `json:"traversable"`
	Reason      string `json:"reason,omitempty"`
}

// AlternativeRecord records one candidate's fate in the decision snapshot.
type AlternativeRecord struct {
	NodeID   string `json:"node_id"`
	EdgeID   string `json:"edge_id,omitempty"`
	Selected bool   `json:"selected"`
	Reason   string `json:"reason,omitempty"`
}

// GovernanceRecord is the JSONB shape of a trace's governance snapshot.
type GovernanceRecord struct {
	Approved            bool   `json:"approved"`
	IdempotencyReason   string `json:"idempotency_reason,omitempty"`
	AuthorizationReason string `json:"authorization_reason,omitempty"`
	PolicyGateReason    string `json:"policy_gate_reason,omitempty"`
}

// DecisionTraceModel is the append-only audit record of one orchestration
// cycle, indexed by (instance_id, timestamp) and (instance_id, type).
type DecisionTraceModel struct {
	bun.BaseModel `bun:"table:decision_traces,alias:dt"`

	ID                string                        `bun:"id,pk,notnull" json:"id"`
	InstanceID        string                        `bun:"instance_id,notnull" json:"instance_id"`
	Timestamp         time.Time                     `bun:"timestamp,notnull" json:"timestamp"`
	Type              string                        `bun:"type,notnull" json:"type"`
	ContextSnapshot   JSONBMap                      `bun:"context_snapshot,type:jsonb" json:"context_snapshot,omitempty"`
	EvalNodes         JSONBSlice[NodeSummaryRecord] `bun:"eval_nodes,type:jsonb" json:"eval_nodes,omitempty"`
	EvalEdges         JSONBSlice[EdgeSummaryRecord] `bun:"eval_edges,type:jsonb" json:"eval_edges,omitempty"`
	DecisionType      string                        `bun:"decision_type" json:"decision_type,omitempty"`
	SelectionCriteria string                        `bun:"selection_criteria" json:"selection_criteria,omitempty"`
	SelectionReason   string                        `bun:"selection_reason" json:"selection_reason,omitempty"`
	Alternatives      JSONBSlice[AlternativeRecord] `bun:"alternatives,type:jsonb" json:"alternatives,omitempty"`
	Governance        JSONBObject[GovernanceRecord] `bun:"governance,type:jsonb" json:"governance,omitempty"`
	Outcome           string                        `bun:"outcome,notnull" json:"outcome"`
	NodeID            string                        `bun:"node_id" json:"node_id,omitempty"`
	Error             string                        `bun:"error" json:"error,omitempty"`
}
