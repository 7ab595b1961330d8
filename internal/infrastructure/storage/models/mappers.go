// Mapping between the orchestrator's domain types and their database models.
// Every mapper pair round-trips losslessly; this package's mapper tests
// assert this field by field.
package models

import (
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/decide"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// FromProcessGraph converts a domain graph to its database model.
func FromProcessGraph(g *graph.ProcessGraph) *ProcessGraphModel {
	nodes := make(JSONBSlice[NodeRecord], 0, len(g.Nodes()))
	for _, n := range g.Nodes() {
		var gates []PolicyGateRecord
		for _, p := range n.PolicyGates {
			gates = append(gates, PolicyGateRecord{ID: p.ID, Type: p.Type})
		}
		var routes []ExceptionRouteRecord
		for _, r := range n.ExceptionRoutes {
			routes = append(routes, ExceptionRouteRecord{ExceptionType: r.ExceptionType, TargetNodeID: r.TargetNodeID})
		}
		nodes = append(nodes, NodeRecord{
			ID:                   n.ID,
			Name:                 n.Name,
			Preconditions:        n.Preconditions,
			BusinessRules:        n.BusinessRules,
			PolicyGates:          gates,
			Action:               ActionRecord{Type: string(n.Action.Type), HandlerRef: n.Action.HandlerRef, Config: n.Action.Config},
			Subscribes:           n.EventConfig.Subscribes,
			Emits:                n.EventConfig.Emits,
			ExceptionRoutes:      routes,
			RequiredPermissions:  n.RequiredPermissions,
			TimeoutSeconds:       n.TimeoutSeconds,
			IdempotencyEnabled:   n.IdempotencyEnabled,
			AuthorizationEnabled: n.AuthorizationEnabled,
			PolicyGateEnabled:    n.PolicyGateEnabled,
		})
	}

	edges := make(JSONBSlice[EdgeRecord], 0, len(g.Edges()))
	for _, e := range g.Edges() {
		edges = append(edges, EdgeRecord{
			ID:               e.ID,
			SourceNodeID:     e.SourceNodeID,
			TargetNodeID:     e.TargetNodeID,
			GuardContext:     e.GuardConditions.Context,
			GuardRule:        e.GuardConditions.Rule,
			GuardPolicy:      e.GuardConditions.Policy,
			GuardEvent:       e.GuardConditions.Event,
			SemanticsType:    e.ExecutionSemantics.Type,
			JoinType:         string(e.ExecutionSemantics.JoinType),
			JoinN:            e.ExecutionSemantics.N,
			JoinM:            e.ExecutionSemantics.M,
			PriorityWeight:   e.Priority.Weight,
			PriorityRank:     e.Priority.Rank,
			Exclusive:        e.Priority.Exclusive,
			ActivatingEvents: e.EventTriggers.ActivatingEvents,
			CompensationKind: string(e.Compensation.Kind),
			MaxRetries:       e.Compensation.MaxRetries,
			CompensateTarget: e.Compensation.TargetNodeID,
		})
	}

	return &ProcessGraphModel{
		ID:              g.ID,
		Version:         g.Version,
		Status:          string(g.Status),
		Nodes:           nodes,
		Edges:           edges,
		EntryNodeIDs:    JSONBSlice[string](g.EntryNodeIDs),
		TerminalNodeIDs: JSONBSlice[string](g.TerminalNodeIDs),
		Metadata:        JSONBMap(g.Metadata),
	}
}

// ToProcessGraph rebuilds a domain graph from its database model.
func ToProcessGraph(m *ProcessGraphModel) *graph.ProcessGraph {
	nodes := make([]graph.Node, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		var gates []graph.PolicyGateRef
		for _, p := range n.PolicyGates {
			gates = append(gates, graph.PolicyGateRef{ID: p.ID, Type: p.Type})
		}
		var routes []graph.ExceptionRoute
		for _, r := range n.ExceptionRoutes {
			routes = append(routes, graph.ExceptionRoute{ExceptionType: r.ExceptionType, TargetNodeID: r.TargetNodeID})
		}
		nodes = append(nodes, graph.Node{
			ID:                   n.ID,
			Name:                 n.Name,
			Preconditions:        n.Preconditions,
			BusinessRules:        n.BusinessRules,
			PolicyGates:          gates,
			Action:               graph.Action{Type: graph.ActionType(n.Action.Type), HandlerRef: n.Action.HandlerRef, Config: n.Action.Config},
			EventConfig:          graph.EventConfig{Subscribes: n.Subscribes, Emits: n.Emits},
			ExceptionRoutes:      routes,
			RequiredPermissions:  n.RequiredPermissions,
			TimeoutSeconds:       n.TimeoutSeconds,
			IdempotencyEnabled:   n.IdempotencyEnabled,
			AuthorizationEnabled: n.AuthorizationEnabled,
			PolicyGateEnabled:    n.PolicyGateEnabled,
		})
	}

	edges := make([]graph.Edge, 0, len(m.Edges))
	for _, e := range m.Edges {
		edges = append(edges, graph.Edge{
			ID:           e.ID,
			SourceNodeID: e.SourceNodeID,
			TargetNodeID: e.TargetNodeID,
			GuardConditions: graph.GuardConditions{
				Context: e.GuardContext,
				Rule:    e.GuardRule,
				Policy:  e.GuardPolicy,
				Event:   e.GuardEvent,
			},
			ExecutionSemantics: graph.ExecutionSemantics{
				Type:     e.SemanticsType,
				JoinType: graph.JoinType(e.JoinType),
				N:        e.JoinN,
				M:        e.JoinM,
			},
			Priority:      graph.Priority{Weight: e.PriorityWeight, Rank: e.PriorityRank, Exclusive: e.Exclusive},
			EventTriggers: graph.EventTriggers{ActivatingEvents: e.ActivatingEvents},
			Compensation:  graph.Compensation{Kind: graph.CompensationKind(e.CompensationKind), MaxRetries: e.MaxRetries, TargetNodeID: e.CompensateTarget},
		})
	}

	return graph.New(m.ID, m.Version, graph.GraphStatus(m.Status), nodes, edges, m.EntryNodeIDs, m.TerminalNodeIDs, map[string]any(m.Metadata))
}

// FromProcessInstance converts an instance snapshot to its database model.
func FromProcessInstance(snap instance.Snapshot) *ProcessInstanceModel {
	history := make(JSONBSlice[NodeExecutionRecord], 0, len(snap.History))
	for _, h := range snap.History {
		history = append(history, NodeExecutionRecord{
			NodeID:      h.NodeID,
			Status:      string(h.Status),
			EnteredAt:   h.EnteredAt,
			CompletedAt: h.CompletedAt,
			Output:      h.Output,
			Error:       h.Error,
			Attempt:     h.Attempt,
			WaveIndex:   h.WaveIndex,
		})
	}

	return &ProcessInstanceModel{
		ID:            snap.ID,
		GraphID:       snap.GraphID,
		GraphVersion:  snap.GraphVersion,
		CorrelationID: snap.CorrelationID,
		Status:        string(snap.Status),
		ActiveNodeIDs: JSONBSlice[string](snap.ActiveNodeIDs),
		History:       history,
		DomainPayload: JSONBMap(snap.DomainPayload),
		StartedAt:     snap.StartedAt,
		EndedAt:       snap.EndedAt,
		UpdatedAt:     time.Now(),
	}
}

// ToProcessInstance rebuilds a domain instance from its database model.
func ToProcessInstance(m *ProcessInstanceModel) *instance.ProcessInstance {
	history := make([]instance.NodeExecution, 0, len(m.History))
	for _, h := range m.History {
		history = append(history, instance.NodeExecution{
			NodeID:      h.NodeID,
			Status:      instance.NodeStatus(h.Status),
			EnteredAt:   h.EnteredAt,
			CompletedAt: h.CompletedAt,
			Output:      h.Output,
			Error:       h.Error,
			Attempt:     h.Attempt,
			WaveIndex:   h.WaveIndex,
		})
	}

	return instance.Restore(instance.Snapshot{
		ID:            m.ID,
		GraphID:       m.GraphID,
		GraphVersion:  m.GraphVersion,
		CorrelationID: m.CorrelationID,
		Status:        instance.Status(m.Status),
		StartedAt:     m.StartedAt,
		EndedAt:       m.EndedAt,
		ActiveNodeIDs: m.ActiveNodeIDs,
		History:       history,
		DomainPayload: map[string]any(m.DomainPayload),
	})
}

// FromDecisionTrace converts a domain trace to its database model.
func FromDecisionTrace(t trace.DecisionTrace) *DecisionTraceModel {
	nodes := make(JSONBSlice[NodeSummaryRecord], 0, len(t.Evaluation.Nodes))
	for _, n := range t.Evaluation.Nodes {
		nodes = append(nodes, NodeSummaryRecord{NodeID: n.NodeID, Available: n.Available, Reason: n.Reason})
	}
	edges := make(JSONBSlice[EdgeSummaryRecord], 0, len(t.Evaluation.Edges))
	for _, e := range t.Evaluation.Edges {
		edges = append(edges, EdgeSummaryRecord{EdgeID: e.EdgeID, Traversable: e.Traversable, Reason: e.Reason})
	}
	alternatives := make(JSONBSlice[AlternativeRecord], 0, len(t.Decision.Alternatives))
	for _, a := range t.Decision.Alternatives {
		alternatives = append(alternatives, AlternativeRecord{NodeID: a.NodeID, EdgeID: a.EdgeID, Selected: a.Selected, Reason: a.Reason})
	}

	m := &DecisionTraceModel{
		ID:                t.ID,
		InstanceID:        t.InstanceID,
		Timestamp:         t.Timestamp,
		Type:              string(t.Type),
		ContextSnapshot:   JSONBMap(t.ContextSnapshot),
		EvalNodes:         nodes,
		EvalEdges:         edges,
		DecisionType:      string(t.Decision.Type),
		SelectionCriteria: string(t.Decision.SelectionCriteria),
		SelectionReason:   t.Decision.SelectionReason,
		Alternatives:      alternatives,
		Outcome:           string(t.Outcome),
		NodeID:            t.NodeID,
		Error:             t.Error,
	}
	if t.Governance != nil {
		m.Governance = JSONBObject[GovernanceRecord]{Valid: true, Data: GovernanceRecord{
			Approved:            t.Governance.Approved,
			IdempotencyReason:   t.Governance.IdempotencyReason,
			AuthorizationReason: t.Governance.AuthorizationReason,
			PolicyGateReason:    t.Governance.PolicyGateReason,
		}}
	}
	return m
}

// ToDecisionTrace rebuilds a domain trace from its database model.
func ToDecisionTrace(m *DecisionTraceModel) trace.DecisionTrace {
	nodes := make([]trace.NodeSummary, 0, len(m.EvalNodes))
	for _, n := range m.EvalNodes {
		nodes = append(nodes, trace.NodeSummary{NodeID: n.NodeID, Available: n.Available, Reason: n.Reason})
	}
	edges := make([]trace.EdgeSummary, 0, len(m.EvalEdges))
	for _, e := range m.EvalEdges {
		edges = append(edges, trace.EdgeSummary{EdgeID: e.EdgeID, Traversable: e.Traversable, Reason: e.Reason})
	}
	alternatives := make([]decide.Alternative, 0, len(m.Alternatives))
	for _, a := range m.Alternatives {
		alternatives = append(alternatives, decide.Alternative{NodeID: a.NodeID, EdgeID: a.EdgeID, Selected: a.Selected, Reason: a.Reason})
	}

	t := trace.DecisionTrace{
		ID:              m.ID,
		InstanceID:      m.InstanceID,
		Timestamp:       m.Timestamp,
		Type:            trace.Type(m.Type),
		ContextSnapshot: map[string]any(m.ContextSnapshot),
		Evaluation:      trace.EvaluationSnapshot{Nodes: nodes, Edges: edges},
		Decision: trace.DecisionSnapshot{
			Type:              decide.DecisionType(m.DecisionType),
			SelectionCriteria: decide.SelectionCriteria(m.SelectionCriteria),
			SelectionReason:   m.SelectionReason,
			Alternatives:      alternatives,
		},
		Outcome: trace.Outcome(m.Outcome),
		NodeID:  m.NodeID,
		Error:   m.Error,
	}
	if m.Governance.Valid {
		t.Governance = &trace.GovernanceSnapshot{
			Approved:            m.Governance.Data.Approved,
			IdempotencyReason:   m.Governance.Data.IdempotencyReason,
			AuthorizationReason: m.Governance.Data.AuthorizationReason,
			PolicyGateReason:    m.Governance.Data.PolicyGateReason,
		}
	}
	return t
}
