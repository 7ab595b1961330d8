package decide

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/orchestrator/internal/orchestrator/evaluate"
	"github.com/flowcore/orchestrator/internal/orchestrator/fixtures"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
)

func candidateFor(g *graph.ProcessGraph, edgeID string) evaluate.CandidateAction {
	e := g.EdgeByID(edgeID)
	n := g.NodeByID(e.TargetNodeID)
	return evaluate.CandidateAction{
		Node: n, Edge: e, EffectivePriority: e.Priority.Weight, Rank: e.Priority.Rank, SourceNodeID: e.SourceNodeID,
		NodeEvaluation: evaluate.NodeEvaluation{NodeID: n.ID, Available: true},
		EdgeEvaluation: &evaluate.EdgeEvaluation{EdgeID: e.ID, Traversable: true},
	}
}

func TestSelect_ExclusiveEdgePreemptsAllOthers(t *testing.T) {
	g := fixtures.ExclusiveCancellation()
	inst := instance.New("i1", g.ID, g.Version, time.Now())
	inst.EnterNode("REVIEW", time.Now(), 0, 1)
	inst.CompleteNode("REVIEW", time.Now(), nil)

	space := evaluate.EligibleSpace{
		CandidateActions: []evaluate.CandidateAction{
			candidateFor(g, "REVIEW->ACCOUNTS"),
			candidateFor(g, "REVIEW->CANCELLED"),
		},
	}

	d := NewDecider(0)
	decision := d.Select(space, inst, g, DependencyConstraints{})

	require.Equal(t, DecisionProceed, decision.Type)
	require.Len(t, decision.SelectedActions, 1)
	assert.Equal(t, "CANCELLED", decision.SelectedActions[0].Node.ID)
	assert.Equal(t, CriteriaExclusive, decision.SelectionCriteria)

	var accountsAlt Alternative
	for _, alt := range decision.Alternatives {
		if alt.NodeID == "ACCOUNTS" {
			accountsAlt = alt
		}
	}
	assert.False(t, accountsAlt.Selected)
	assert.Equal(t, "preempted by exclusive edge", accountsAlt.Reason)
}

func TestSelect_ParallelEdgesAllSelectedTogether(t *testing.T) {
	g := fixtures.ParallelFanOut()
	inst := instance.New("i1", g.ID, g.Version, time.Now())
	inst.EnterNode("AI_ANALYZE_BACKGROUND", time.Now(), 0, 1)
	inst.CompleteNode("AI_ANALYZE_BACKGROUND", time.Now(), nil)

	space := evaluate.EligibleSpace{
		CandidateActions: []evaluate.CandidateAction{
			candidateFor(g, "AI->ORDER_EQUIPMENT"),
			candidateFor(g, "AI->CREATE_ACCOUNTS"),
			candidateFor(g, "AI->COLLECT_DOCUMENTS"),
		},
	}

	d := NewDecider(0)
	decision := d.Select(space, inst, g, DependencyConstraints{})

	require.Equal(t, DecisionProceed, decision.Type)
	assert.Len(t, decision.SelectedActions, 3)
	assert.Equal(t, CriteriaParallel, decision.SelectionCriteria)
}

func TestSelect_EmptySpaceWithAllTerminalsReached_IsComplete(t *testing.T) {
	g := fixtures.StraightThrough()
	inst := instance.New("i1", g.ID, g.Version, time.Now())
	inst.EnterNode("C", time.Now(), 0, 1)
	inst.CompleteNode("C", time.Now(), nil)

	d := NewDecider(0)
	decision := d.Select(evaluate.EligibleSpace{}, inst, g, DependencyConstraints{})

	assert.Equal(t, DecisionComplete, decision.Type)
}

func TestSelect_EmptySpaceWithoutTerminalsReached_Waits(t *testing.T) {
	g := fixtures.StraightThrough()
	inst := instance.New("i1", g.ID, g.Version, time.Now())

	d := NewDecider(0)
	decision := d.Select(evaluate.EligibleSpace{}, inst, g, DependencyConstraints{})

	assert.Equal(t, DecisionWait, decision.Type)
}

func TestSelect_SingleOptionShortCircuits(t *testing.T) {
	g := fixtures.StraightThrough()
	inst := instance.New("i1", g.ID, g.Version, time.Now())
	inst.EnterNode("A", time.Now(), 0, 1)
	inst.CompleteNode("A", time.Now(), nil)

	space := evaluate.EligibleSpace{
		CandidateActions: []evaluate.CandidateAction{candidateFor(g, "A->B")},
	}

	d := NewDecider(0)
	decision := d.Select(space, inst, g, DependencyConstraints{})

	require.Equal(t, DecisionProceed, decision.Type)
	assert.Equal(t, CriteriaSingleOption, decision.SelectionCriteria)
}

func TestSelect_DependencyFilterRestoresUnfilteredSetToPreventStarvation(t *testing.T) {
	g := fixtures.StraightThrough()
	inst := instance.New("i1", g.ID, g.Version, time.Now())

	// B->C candidate whose source B was never completed: the implicit
	// source-completed dependency filter would drop it, but filtering must
	// restore the unfiltered set rather than starve selection.
	space := evaluate.EligibleSpace{
		CandidateActions: []evaluate.CandidateAction{candidateFor(g, "B->C")},
	}

	d := NewDecider(0)
	decision := d.Select(space, inst, g, DependencyConstraints{})

	require.Equal(t, DecisionProceed, decision.Type)
	assert.Equal(t, CriteriaSingleOption, decision.SelectionCriteria)

	// The restoration must be visible in the trace, not silent.
	assert.Contains(t, decision.SelectionReason, "dependency filter bypassed")
	require.NotEmpty(t, decision.Alternatives)
	for _, alt := range decision.Alternatives {
		assert.Contains(t, alt.Reason, "dependency filter bypassed")
	}
}

func TestSelect_ExplicitDependencyStarvationBypassIsAudited(t *testing.T) {
	g := fixtures.StraightThrough()
	inst := instance.New("i1", g.ID, g.Version, time.Now())
	inst.EnterNode("A", time.Now(), 0, 1)
	inst.CompleteNode("A", time.Now(), nil)

	// An explicit constraint no candidate can satisfy: the bypass kicks in
	// and the selection reason records it.
	space := evaluate.EligibleSpace{
		CandidateActions: []evaluate.CandidateAction{candidateFor(g, "A->B")},
	}
	constraints := DependencyConstraints{
		MustExecuteBefore: map[string][]string{"A->B": {"NEVER_RUN"}},
	}

	d := NewDecider(0)
	decision := d.Select(space, inst, g, constraints)

	require.Equal(t, DecisionProceed, decision.Type)
	require.Len(t, decision.SelectedActions, 1)
	assert.Equal(t, "B", decision.SelectedActions[0].Node.ID)
	assert.Contains(t, decision.SelectionReason, "would have starved")
}

func TestSelect_NoBypassNoteWhenFilterDidNotStarve(t *testing.T) {
	g := fixtures.StraightThrough()
	inst := instance.New("i1", g.ID, g.Version, time.Now())
	inst.EnterNode("A", time.Now(), 0, 1)
	inst.CompleteNode("A", time.Now(), nil)

	space := evaluate.EligibleSpace{
		CandidateActions: []evaluate.CandidateAction{candidateFor(g, "A->B")},
	}

	d := NewDecider(0)
	decision := d.Select(space, inst, g, DependencyConstraints{})

	require.Equal(t, DecisionProceed, decision.Type)
	assert.NotContains(t, decision.SelectionReason, "bypassed")
}

func TestSelect_HighestPriorityWinsAmongRemainingCandidates(t *testing.T) {
	nodes := []graph.Node{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	edges := []graph.Edge{
		{ID: "A->B", SourceNodeID: "A", TargetNodeID: "B", Priority: graph.Priority{Weight: 5}},
		{ID: "A->C", SourceNodeID: "A", TargetNodeID: "C", Priority: graph.Priority{Weight: 50}},
	}
	g := graph.New("g", 1, graph.StatusPublished, nodes, edges, []string{"A"}, []string{"B", "C"}, nil)

	inst := instance.New("i1", g.ID, g.Version, time.Now())
	inst.EnterNode("A", time.Now(), 0, 1)
	inst.CompleteNode("A", time.Now(), nil)

	space := evaluate.EligibleSpace{
		CandidateActions: []evaluate.CandidateAction{
			candidateFor(g, "A->B"),
			candidateFor(g, "A->C"),
		},
	}

	d := NewDecider(0)
	decision := d.Select(space, inst, g, DependencyConstraints{})

	require.Equal(t, DecisionProceed, decision.Type)
	require.Len(t, decision.SelectedActions, 1)
	assert.Equal(t, "C", decision.SelectedActions[0].Node.ID)
	assert.Equal(t, CriteriaHighestPriority, decision.SelectionCriteria)
}
