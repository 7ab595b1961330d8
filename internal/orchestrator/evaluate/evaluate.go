// Package evaluate produces NodeEvaluation and EdgeEvaluation results and
// combines them into the per-step EligibleSpace the NavigationDecider
// selects over.
package evaluate

import (
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/context"
	"github.com/flowcore/orchestrator/internal/orchestrator/expression"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
)

// PolicyOutcome is the result of evaluating one design-time policy gate.
type PolicyOutcome string

const (
	PolicyGatePassed PolicyOutcome = "PASSED"
	PolicyGateFailed PolicyOutcome = "FAILED"
	PolicyGateWaived PolicyOutcome = "WAIVED"
)

// RuleLookup resolves a business-rule id to its guard expression. Rules and
// policy gates are themselves opaque expressions evaluated by the same
// ExpressionEvaluator the edges use; this orchestrator does not embed a
// general-purpose rules engine.
type RuleLookup func(ruleID string) (expr string, ok bool)

// PolicyLookup resolves a policy-gate id to its guard expression plus
// whether it may be waived when not statutory.
type PolicyLookup func(policyID string) (expr string, waivable bool, ok bool)

// NodeEvaluation is the result of evaluating one node's preconditions,
// business rules, and policy gates against a RuntimeContext.
type NodeEvaluation struct {
	NodeID         string
	Available      bool
	Reason         string
	RuleOutputs    map[string]bool
	PolicyOutcomes map[string]PolicyOutcome
}

// EdgeEvaluation is the result of evaluating one edge's four guard
// compartments.
type EdgeEvaluation struct {
	EdgeID      string
	Traversable bool
	Reason      string
}

// NodeEvaluator evaluates a single node's preconditions/rules/policy gates.
type NodeEvaluator struct {
	Expr     expression.Evaluator
	Rules    RuleLookup
	Policies PolicyLookup
}

func NewNodeEvaluator(expr expression.Evaluator, rules RuleLookup, policies PolicyLookup) *NodeEvaluator {
	return &NodeEvaluator{Expr: expr, Rules: rules, Policies: policies}
}

// Evaluate runs the four-step node check described for NodeEvaluator.evaluate:
// preconditions, business rules in order, policy gates, then availability.
func (ne *NodeEvaluator) Evaluate(node *graph.Node, ctx *context.RuntimeContext) NodeEvaluation {
	env := ctx.ToEvalEnv()

	for _, pre := range node.Preconditions {
		ok, err := ne.Expr.Evaluate(pre, env)
		if err != nil {
			return NodeEvaluation{NodeID: node.ID, Available: false, Reason: "precondition error: " + err.Error()}
		}
		if !ok {
			return NodeEvaluation{NodeID: node.ID, Available: false, Reason: "blocked by precondition: " + pre}
		}
	}

	ruleOutputs := make(map[string]bool, len(node.BusinessRules))
	if ne.Rules != nil {
		for _, ruleID := range node.BusinessRules {
			ruleExpr, ok := ne.Rules(ruleID)
			if !ok {
				return NodeEvaluation{NodeID: node.ID, Available: false, Reason: "unknown business rule: " + ruleID}
			}
			result, err := ne.Expr.Evaluate(ruleExpr, env)
			if err != nil {
				return NodeEvaluation{NodeID: node.ID, Available: false, Reason: "rule evaluation failed: " + ruleID + ": " + err.Error()}
			}
			ruleOutputs[ruleID] = result
			ctx.RuleOutputs[ruleID] = result
		}
	}

	policyOutcomes := make(map[string]PolicyOutcome, len(node.PolicyGates))
	for _, gate := range node.PolicyGates {
		outcome := PolicyGatePassed
		if ne.Policies != nil {
			policyExpr, waivable, ok := ne.Policies(gate.ID)
			if ok {
				passed, err := ne.Expr.Evaluate(policyExpr, env)
				if err != nil {
					outcome = PolicyGateFailed
				} else if !passed {
					if waivable && gate.Type != "STATUTORY" {
						outcome = PolicyGateWaived
					} else {
						outcome = PolicyGateFailed
					}
				}
			}
		}
		policyOutcomes[gate.ID] = outcome
		ctx.PolicyResults[gate.ID] = context.PolicyResult{
			Decision: context.PolicyDecision(outcome),
			GateType: gate.Type,
		}
		if outcome == PolicyGateFailed && gate.Type == "STATUTORY" {
			return NodeEvaluation{
				NodeID: node.ID, Available: false,
				Reason:      "statutory policy gate failed: " + gate.ID,
				RuleOutputs: ruleOutputs, PolicyOutcomes: policyOutcomes,
			}
		}
		if outcome == PolicyGateFailed {
			return NodeEvaluation{
				NodeID: node.ID, Available: false,
				Reason:      "policy gate failed: " + gate.ID,
				RuleOutputs: ruleOutputs, PolicyOutcomes: policyOutcomes,
			}
		}
	}

	return NodeEvaluation{
		NodeID: node.ID, Available: true,
		RuleOutputs: ruleOutputs, PolicyOutcomes: policyOutcomes,
	}
}

// EdgeEvaluator evaluates a single edge's four guard compartments. Join
// satisfaction for PARALLEL edges feeding a join target is checked by
// EligibilityEvaluator, not here.
type EdgeEvaluator struct {
	Expr expression.Evaluator
}

func NewEdgeEvaluator(expr expression.Evaluator) *EdgeEvaluator {
	return &EdgeEvaluator{Expr: expr}
}

// Evaluate checks all four guard compartments for edge. ruleOutputs and
// policyOutcomes are the source node's evaluation results for this cycle.
func (ee *EdgeEvaluator) Evaluate(edge *graph.Edge, ctx *context.RuntimeContext, ruleOutputs map[string]bool, policyOutcomes map[string]PolicyOutcome) EdgeEvaluation {
	env := ctx.ToEvalEnv()

	for _, expr := range edge.GuardConditions.Context {
		ok, err := ee.Expr.Evaluate(expr, env)
		if err != nil {
			return EdgeEvaluation{EdgeID: edge.ID, Traversable: false, Reason: "context guard error: " + err.Error()}
		}
		if !ok {
			return EdgeEvaluation{EdgeID: edge.ID, Traversable: false, Reason: "context guard failed: " + expr}
		}
	}

	for _, ruleID := range edge.GuardConditions.Rule {
		outcome, ok := ruleOutputs[ruleID]
		if !ok || !outcome {
			return EdgeEvaluation{EdgeID: edge.ID, Traversable: false, Reason: "rule guard not satisfied: " + ruleID}
		}
	}

	for _, policyID := range edge.GuardConditions.Policy {
		outcome, ok := policyOutcomes[policyID]
		if !ok || (outcome != PolicyGatePassed && outcome != PolicyGateWaived) {
			return EdgeEvaluation{EdgeID: edge.ID, Traversable: false, Reason: "policy guard not satisfied: " + policyID}
		}
	}

	for _, eventType := range edge.GuardConditions.Event {
		if !ctx.HasEvent(eventType) {
			return EdgeEvaluation{EdgeID: edge.ID, Traversable: false, Reason: "event guard not satisfied: " + eventType}
		}
	}

	return EdgeEvaluation{EdgeID: edge.ID, Traversable: true}
}

// CandidateAction pairs a traversable edge (nil for an entry action) with
// its target node's evaluation and the effective priority used for sorting.
type CandidateAction struct {
	Node              *graph.Node
	Edge              *graph.Edge // nil for entry actions
	NodeEvaluation    NodeEvaluation
	EdgeEvaluation    *EdgeEvaluation // nil for entry actions
	EffectivePriority int
	Rank              int
	SourceNodeID      string // empty for entry actions
}

// DefaultEntryPriority is the effective priority assigned to entry-node
// candidate actions, which have no edge to carry a priority.
const DefaultEntryPriority = 100

// RejectedCandidate records a candidate node/edge pair that was evaluated
// but did not qualify, kept only long enough to feed the decision trace.
type RejectedCandidate struct {
	NodeID string
	EdgeID string
	Reason string
}

// EligibleSpace is the per-step output of the EligibilityEvaluator.
type EligibleSpace struct {
	EligibleNodes    []string
	TraversableEdges []string
	CandidateActions []CandidateAction
	Rejected         []RejectedCandidate
	EvaluatedAt      time.Time
}

// Empty reports whether there are no candidate actions this step.
func (s EligibleSpace) Empty() bool { return len(s.CandidateActions) == 0 }

// JoinState tracks, for a PARALLEL join target, which source nodes in its
// fan-in group have produced a traversable edge so far.
type JoinState func(targetNodeID string) (arrivedSourceIDs []string)

// EligibilityEvaluator computes the EligibleSpace for one orchestration step.
type EligibilityEvaluator struct {
	NodeEval *NodeEvaluator
	EdgeEval *EdgeEvaluator
}

func NewEligibilityEvaluator(nodeEval *NodeEvaluator, edgeEval *EdgeEvaluator) *EligibilityEvaluator {
	return &EligibilityEvaluator{NodeEval: nodeEval, EdgeEval: edgeEval}
}

// Evaluate computes the EligibleSpace for the given instance/graph/context.
// triggeringEventType is empty outside of event re-evaluation.
func (el *EligibilityEvaluator) Evaluate(inst *instance.ProcessInstance, g *graph.ProcessGraph, ctx *context.RuntimeContext, triggeringEventType string, joins JoinState) EligibleSpace {
	now := time.Now()
	history := inst.History()
	completed := make(map[string]bool)
	executed := make(map[string]bool)
	for _, h := range history {
		executed[h.NodeID] = true
		if h.Status == instance.NodeStatusCompleted {
			completed[h.NodeID] = true
		}
	}

	candidateNodeIDs := make(map[string]bool)
	if len(history) == 0 {
		for _, id := range g.EntryNodeIDs {
			candidateNodeIDs[id] = true
		}
	}
	for activeID := range toSet(inst.ActiveNodeIDs()) {
		for _, e := range g.OutboundEdges(activeID) {
			candidateNodeIDs[e.TargetNodeID] = true
		}
	}
	for completedID := range completed {
		for _, e := range g.OutboundEdges(completedID) {
			if !executed[e.TargetNodeID] {
				candidateNodeIDs[e.TargetNodeID] = true
			}
		}
	}
	if triggeringEventType != "" {
		for _, n := range g.NodesSubscribedToEvent(triggeringEventType) {
			candidateNodeIDs[n.ID] = true
		}
	}

	candidateEdges := make(map[string]*graph.Edge)
	for completedID := range completed {
		for _, e := range g.OutboundEdges(completedID) {
			candidateEdges[e.ID] = e
		}
	}
	if triggeringEventType != "" {
		for _, e := range g.EdgesActivatedByEvent(triggeringEventType) {
			candidateEdges[e.ID] = e
		}
	}

	nodeEvals := make(map[string]NodeEvaluation, len(candidateNodeIDs))
	ruleOutputsBySource := make(map[string]map[string]bool)
	policyOutcomesBySource := make(map[string]map[string]PolicyOutcome)
	for nodeID := range candidateNodeIDs {
		n := g.NodeByID(nodeID)
		if n == nil {
			continue
		}
		eval := el.NodeEval.Evaluate(n, ctx)
		nodeEvals[nodeID] = eval
		ruleOutputsBySource[nodeID] = eval.RuleOutputs
		policyOutcomesBySource[nodeID] = eval.PolicyOutcomes
	}

	space := EligibleSpace{EvaluatedAt: now}

	if len(history) == 0 {
		for _, id := range g.EntryNodeIDs {
			eval, ok := nodeEvals[id]
			if !ok {
				continue
			}
			n := g.NodeByID(id)
			if !eval.Available {
				space.Rejected = append(space.Rejected, RejectedCandidate{NodeID: id, Reason: eval.Reason})
				continue
			}
			space.EligibleNodes = append(space.EligibleNodes, id)
			space.CandidateActions = append(space.CandidateActions, CandidateAction{
				Node: n, NodeEvaluation: eval, EffectivePriority: DefaultEntryPriority,
			})
		}
	}

	active := toSet(inst.ActiveNodeIDs())
	for _, e := range candidateEdges {
		// A completed target never re-executes (at-most-once); an active one is
		// already in flight. Failed targets stay reachable so RETRY edges can
		// re-offer them.
		if completed[e.TargetNodeID] || active[e.TargetNodeID] {
			continue
		}
		ruleOutputs := ruleOutputsBySource[e.SourceNodeID]
		policyOutcomes := policyOutcomesBySource[e.SourceNodeID]
		edgeEval := el.EdgeEval.Evaluate(e, ctx, ruleOutputs, policyOutcomes)
		if !edgeEval.Traversable {
			space.Rejected = append(space.Rejected, RejectedCandidate{NodeID: e.TargetNodeID, EdgeID: e.ID, Reason: edgeEval.Reason})
			continue
		}

		targetEval, ok := nodeEvals[e.TargetNodeID]
		if !ok {
			n := g.NodeByID(e.TargetNodeID)
			if n == nil {
				continue
			}
			targetEval = el.NodeEval.Evaluate(n, ctx)
			nodeEvals[e.TargetNodeID] = targetEval
		}
		if !targetEval.Available {
			space.Rejected = append(space.Rejected, RejectedCandidate{NodeID: e.TargetNodeID, EdgeID: e.ID, Reason: targetEval.Reason})
			continue
		}

		if e.ExecutionSemantics.Type == graph.SemanticsParallel && e.ExecutionSemantics.JoinType != "" {
			if !el.joinSatisfied(g, e, joins) {
				space.Rejected = append(space.Rejected, RejectedCandidate{NodeID: e.TargetNodeID, EdgeID: e.ID, Reason: "join not satisfied: " + string(e.ExecutionSemantics.JoinType)})
				continue
			}
		}

		n := g.NodeByID(e.TargetNodeID)
		evalCopy := edgeEval
		space.EligibleNodes = append(space.EligibleNodes, e.TargetNodeID)
		space.TraversableEdges = append(space.TraversableEdges, e.ID)
		space.CandidateActions = append(space.CandidateActions, CandidateAction{
			Node: n, Edge: e, NodeEvaluation: targetEval, EdgeEvaluation: &evalCopy,
			EffectivePriority: e.Priority.Weight, Rank: e.Priority.Rank, SourceNodeID: e.SourceNodeID,
		})
	}

	return space
}

func (el *EligibilityEvaluator) joinSatisfied(g *graph.ProcessGraph, edge *graph.Edge, joins JoinState) bool {
	if joins == nil {
		return true
	}
	arrived := joins(edge.TargetNodeID)
	switch edge.ExecutionSemantics.JoinType {
	case graph.JoinAny:
		return len(arrived) >= 1
	case graph.JoinNOfM:
		n := edge.ExecutionSemantics.N
		if n <= 0 {
			n = 1
		}
		return len(arrived) >= n
	case graph.JoinAll:
		// An undeclared group size means "every parallel ALL in-edge of the
		// target"; it must never collapse to a zero-arrival pass.
		m := edge.ExecutionSemantics.M
		if m <= 0 {
			for _, in := range g.InboundEdges(edge.TargetNodeID) {
				if in.ExecutionSemantics.Type == graph.SemanticsParallel && in.ExecutionSemantics.JoinType == graph.JoinAll {
					m++
				}
			}
		}
		return len(arrived) >= m
	default:
		return true
	}
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
