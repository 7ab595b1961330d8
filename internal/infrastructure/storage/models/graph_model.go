package models

import (
	"time"

	"github.com/uptrace/bun"
)

// NodeRecord is the JSONB shape of one graph node. It mirrors graph.Node
// field for field so a stored graph round-trips losslessly.
type NodeRecord struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	Preconditions        []string               `json:"preconditions,omitempty"`
	BusinessRules        []string               `json:"business_rules,omitempty"`
	PolicyGates          []PolicyGateRecord     `json:"policy_gates,omitempty"`
	Action               ActionRecord           `json:"action"`
	Subscribes           []string               `json:"subscribes,omitempty"`
	Emits                []string               `json:"emits,omitempty"`
	ExceptionRoutes      []ExceptionRouteRecord `json:"exception_routes,omitempty"`
	RequiredPermissions  []string               `json:"required_permissions,omitempty"`
	TimeoutSeconds       int                    `json:"timeout_seconds,omitempty"`
	IdempotencyEnabled   bool                   `json:"idempotency_enabled,omitempty"`
	AuthorizationEnabled bool                   `json:"authorization_enabled,omitempty"`
	PolicyGateEnabled    bool                   `json:"policy_gate_enabled,omitempty"`
}

// PolicyGateRecord names a design-time policy gate on a node.
type PolicyGateRecord struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// ActionRecord is the JSONB shape of a node's action configuration.
type ActionRecord struct {
	Type       string                 `json:"type"`
	HandlerRef string                 `json:"handler_ref,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
}

// ExceptionRouteRecord routes a declared exception type to a target node.
type ExceptionRouteRecord struct {
	ExceptionType string `json:"exception_type"`
	TargetNodeID  string `json:"target_node_id"`
}

// EdgeRecord is the JSONB shape of one graph edge.
type EdgeRecord struct {
	ID               string   `json:"id"`
	SourceNodeID     string   `json:"source_node_id"`
	TargetNodeID     string   `json:"target_node_id"`
	GuardContext     []string `json:"guard_context,omitempty"`
	GuardRule        []string `json:"guard_rule,omitempty"`
	GuardPolicy      []string `json:"guard_policy,omitempty"`
	GuardEvent       []string `json:"guard_event,omitempty"`
	SemanticsType    string   `json:"semantics_type,omitempty"`
	JoinType         string   `json:"join_type,omitempty"`
	JoinN            int      `json:"join_n,omitempty"`
	JoinM            int      `json:"join_m,omitempty"`
	PriorityWeight   int      `json:"priority_weight,omitempty"`
	PriorityRank     int      `json:"priority_rank,omitempty"`
	Exclusive        bool     `json:"exclusive,omitempty"`
	ActivatingEvents []string `json:"activating_events,omitempty"`
	CompensationKind string   `json:"compensation_kind,omitempty"`
	MaxRetries       int      `json:"max_retries,omitempty"`
	CompensateTarget string   `json:"compensate_target,omitempty"`
}

// ProcessGraphModel represents a published process graph in the database.
// Nodes and edges are stored as JSONB documents: the runtime treats the graph
// as one immutable unit, so there is nothing to join against row by row.
type ProcessGraphModel struct {
	bun.BaseModel `bun:"table:process_graphs,alias:pg"`

	ID              string                 `bun:"id,pk,notnull" json:"id"`
	Version         int                    `bun:"version,pk,notnull,default:1" json:"version"`
	Status          string                 `bun:"status,notnull,default:'DRAFT'" json:"status"`
	Nodes           JSONBSlice[NodeRecord] `bun:"nodes,type:jsonb" json:"nodes"`
	Edges           JSONBSlice[EdgeRecord] `bun:"edges,type:jsonb" json:"edges"`
	EntryNodeIDs    JSONBSlice[string]     `bun:"entry_node_ids,type:jsonb" json:"entry_node_ids"`
	TerminalNodeIDs JSONBSlice[string]     `bun:"terminal_node_ids,type:jsonb" json:"terminal_node_ids"`
	Metadata        JSONBMap               `bun:"metadata,type:jsonb,default:'{}'" json:"metadata,omitempty"`
	CreatedAt       time.Time              `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt       time.Time              `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}
