// Package fixtures builds the canonical end-to-end graphs shared across the
// core's test suites (decide, evaluate, cycle, process): straight-through,
// exclusive cancellation, parallel fan-out, all-join, retry compensation,
// and idempotent single-node flows.
package fixtures

import "github.com/flowcore/orchestrator/internal/orchestrator/graph"

const alwaysTrue = "true"

// StraightThrough builds scenario 1: A (entry) -> B -> C (terminal),
// sequential, both edges guarded by an always-true expression.
func StraightThrough() *graph.ProcessGraph {
	nodes := []graph.Node{
		{ID: "A", Name: "A"},
		{ID: "B", Name: "B"},
		{ID: "C", Name: "C"},
	}
	edges := []graph.Edge{
		{
			ID: "A->B", SourceNodeID: "A", TargetNodeID: "B",
			GuardConditions:    graph.GuardConditions{Context: []string{alwaysTrue}},
			ExecutionSemantics: graph.ExecutionSemantics{Type: graph.SemanticsSequential},
			Priority:           graph.Priority{Weight: 10, Rank: 0},
		},
		{
			ID: "B->C", SourceNodeID: "B", TargetNodeID: "C",
			GuardConditions:    graph.GuardConditions{Context: []string{alwaysTrue}},
			ExecutionSemantics: graph.ExecutionSemantics{Type: graph.SemanticsSequential},
			Priority:           graph.Priority{Weight: 10, Rank: 0},
		},
	}
	return graph.New("straight-through", 1, graph.StatusPublished, nodes, edges, []string{"A"}, []string{"C"}, nil)
}

// ExclusiveCancellation builds scenario 2: from REVIEW, a low-priority edge
// to ACCOUNTS and a high-priority exclusive edge to CANCELLED guarded by
// `domain.review.decision == "REJECTED"`.
func ExclusiveCancellation() *graph.ProcessGraph {
	nodes := []graph.Node{
		{ID: "REVIEW", Name: "Review"},
		{ID: "ACCOUNTS", Name: "Accounts"},
		{ID: "CANCELLED", Name: "Cancelled"},
	}
	edges := []graph.Edge{
		{
			ID: "REVIEW->ACCOUNTS", SourceNodeID: "REVIEW", TargetNodeID: "ACCOUNTS",
			GuardConditions:    graph.GuardConditions{Context: []string{alwaysTrue}},
			ExecutionSemantics: graph.ExecutionSemantics{Type: graph.SemanticsSequential},
			Priority:           graph.Priority{Weight: 50, Rank: 0},
		},
		{
			ID: "REVIEW->CANCELLED", SourceNodeID: "REVIEW", TargetNodeID: "CANCELLED",
			GuardConditions:    graph.GuardConditions{Context: []string{`domain.review.decision == "REJECTED"`}},
			ExecutionSemantics: graph.ExecutionSemantics{Type: graph.SemanticsSequential},
			Priority:           graph.Priority{Weight: 1000, Rank: 0, Exclusive: true},
		},
	}
	return graph.New("exclusive-cancellation", 1, graph.StatusPublished, nodes, edges, []string{"REVIEW"}, []string{"ACCOUNTS", "CANCELLED"}, nil)
}

// ParallelFanOut builds scenario 3: AI_ANALYZE_BACKGROUND fans out in
// parallel to ORDER_EQUIPMENT, CREATE_ACCOUNTS, and COLLECT_DOCUMENTS, all
// guarded by `domain.aiAnalysis.passed == true`.
func ParallelFanOut() *graph.ProcessGraph {
	guard := "domain.aiAnalysis.passed == true"
	nodes := []graph.Node{
		{ID: "AI_ANALYZE_BACKGROUND", Name: "AI Analyze Background"},
		{ID: "ORDER_EQUIPMENT", Name: "Order Equipment"},
		{ID: "CREATE_ACCOUNTS", Name: "Create Accounts"},
		{ID: "COLLECT_DOCUMENTS", Name: "Collect Documents"},
	}
	mk := func(id, target string) graph.Edge {
		return graph.Edge{
			ID: id, SourceNodeID: "AI_ANALYZE_BACKGROUND", TargetNodeID: target,
			GuardConditions:    graph.GuardConditions{Context: []string{guard}},
			ExecutionSemantics: graph.ExecutionSemantics{Type: graph.SemanticsParallel},
			Priority:           graph.Priority{Weight: 10, Rank: 0},
		}
	}
	edges := []graph.Edge{
		mk("AI->ORDER_EQUIPMENT", "ORDER_EQUIPMENT"),
		mk("AI->CREATE_ACCOUNTS", "CREATE_ACCOUNTS"),
		mk("AI->COLLECT_DOCUMENTS", "COLLECT_DOCUMENTS"),
	}
	return graph.New("parallel-fan-out", 1, graph.StatusPublished, nodes, edges,
		[]string{"AI_ANALYZE_BACKGROUND"}, []string{"ORDER_EQUIPMENT", "CREATE_ACCOUNTS", "COLLECT_DOCUMENTS"}, nil)
}

// JoinAll builds scenario 4: SCHEDULE_ORIENTATION has three ALL-join inbound
// edges from CREATE_ACCOUNTS, SHIP_EQUIPMENT, and VERIFY_I9.
func JoinAll() *graph.ProcessGraph {
	nodes := []graph.Node{
		{ID: "CREATE_ACCOUNTS", Name: "Create Accounts"},
		{ID: "SHIP_EQUIPMENT", Name: "Ship Equipment"},
		{ID: "VERIFY_I9", Name: "Verify I9"},
		{ID: "SCHEDULE_ORIENTATION", Name: "Schedule Orientation"},
	}
	mk := func(id, source string) graph.Edge {
		return graph.Edge{
			ID: id, SourceNodeID: source, TargetNodeID: "SCHEDULE_ORIENTATION",
			GuardConditions:    graph.GuardConditions{Context: []string{alwaysTrue}},
			ExecutionSemantics: graph.ExecutionSemantics{Type: graph.SemanticsParallel, JoinType: graph.JoinAll, M: 3},
			Priority:           graph.Priority{Weight: 10, Rank: 0},
		}
	}
	edges := []graph.Edge{
		mk("CREATE_ACCOUNTS->SCHEDULE_ORIENTATION", "CREATE_ACCOUNTS"),
		mk("SHIP_EQUIPMENT->SCHEDULE_ORIENTATION", "SHIP_EQUIPMENT"),
		mk("VERIFY_I9->SCHEDULE_ORIENTATION", "VERIFY_I9"),
	}
	return graph.New("join-all", 1, graph.StatusPublished, nodes, edges,
		[]string{"CREATE_ACCOUNTS", "SHIP_EQUIPMENT", "VERIFY_I9"}, []string{"SCHEDULE_ORIENTATION"}, nil)
}

// RetryCompensation builds scenario 5: ORDER_EQUIPMENT -> SHIP_EQUIPMENT
// with RETRY(max=2) compensation on the edge.
func RetryCompensation() *graph.ProcessGraph {
	nodes := []graph.Node{
		{ID: "ORDER_EQUIPMENT", Name: "Order Equipment"},
		{ID: "SHIP_EQUIPMENT", Name: "Ship Equipment"},
	}
	edges := []graph.Edge{
		{
			ID: "ORDER_EQUIPMENT->SHIP_EQUIPMENT", SourceNodeID: "ORDER_EQUIPMENT", TargetNodeID: "SHIP_EQUIPMENT",
			GuardConditions:    graph.GuardConditions{Context: []string{alwaysTrue}},
			ExecutionSemantics: graph.ExecutionSemantics{Type: graph.SemanticsSequential},
			Priority:           graph.Priority{Weight: 10, Rank: 0},
			Compensation:       graph.Compensation{Kind: graph.CompensationRetry, MaxRetries: 2},
		},
	}
	return graph.New("retry-compensation", 1, graph.StatusPublished, nodes, edges, []string{"ORDER_EQUIPMENT"}, []string{"SHIP_EQUIPMENT"}, nil)
}

// Idempotency builds scenario 6: a single entry node A whose action has
// idempotency enabled, used to verify a re-delivered NodeCompleted(A) never
// produces a second execution record.
func Idempotency() *graph.ProcessGraph {
	nodes := []graph.Node{
		{ID: "A", Name: "A", IdempotencyEnabled: true},
	}
	return graph.New("idempotency", 1, graph.StatusPublished, nodes, nil, []string{"A"}, []string{"A"}, nil)
}
