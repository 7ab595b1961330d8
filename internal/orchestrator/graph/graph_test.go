package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func straightThroughGraph() *ProcessGraph {
	nodes := []Node{{ID: "A"}, {ID: "B"}, {ID: "C"}}
	edges := []Edge{
		{ID: "A->B", SourceNodeID: "A", TargetNodeID: "B", Priority: Priority{Weight: 10}},
		{ID: "B->C", SourceNodeID: "B", TargetNodeID: "C", Priority: Priority{Weight: 10}},
	}
	return New("g1", 1, StatusPublished, nodes, edges, []string{"A"}, []string{"C"}, nil)
}

func TestNew_BuildsIndices(t *testing.T) {
	g := straightThroughGraph()

	require.NotNil(t, g.NodeByID("A"))
	require.NotNil(t, g.NodeByID("B"))
	assert.Nil(t, g.NodeByID("missing"))

	outbound := g.OutboundEdges("A")
	require.Len(t, outbound, 1)
	assert.Equal(t, "A->B", outbound[0].ID)

	inbound := g.InboundEdges("C")
	require.Len(t, inbound, 1)
	assert.Equal(t, "B->C", inbound[0].ID)

	assert.True(t, g.IsEntry("A"))
	assert.False(t, g.IsEntry("B"))
	assert.True(t, g.IsTerminal("C"))
}

func TestOutboundEdges_OrderedByPriorityThenRankThenID(t *testing.T) {
	nodes := []Node{{ID: "A"}, {ID: "B"}, {ID: "C"}, {ID: "D"}}
	edges := []Edge{
		{ID: "e-low", SourceNodeID: "A", TargetNodeID: "B", Priority: Priority{Weight: 1, Rank: 0}},
		{ID: "e-high-rank1", SourceNodeID: "A", TargetNodeID: "C", Priority: Priority{Weight: 100, Rank: 1}},
		{ID: "e-high-rank0", SourceNodeID: "A", TargetNodeID: "D", Priority: Priority{Weight: 100, Rank: 0}},
	}
	g := New("g2", 1, StatusPublished, nodes, edges, []string{"A"}, []string{"B", "C", "D"}, nil)

	outbound := g.OutboundEdges("A")
	require.Len(t, outbound, 3)
	assert.Equal(t, "e-high-rank0", outbound[0].ID)
	assert.Equal(t, "e-high-rank1", outbound[1].ID)
	assert.Equal(t, "e-low", outbound[2].ID)
}

func TestValidate_DetectsDanglingAndDuplicateIDs(t *testing.T) {
	nodes := []Node{{ID: "A"}, {ID: "A"}}
	edges := []Edge{
		{ID: "e1", SourceNodeID: "A", TargetNodeID: "ghost"},
	}
	g := New("g3", 1, StatusDraft, nodes, edges, []string{"A"}, nil, nil)

	errs := g.Validate(nil)
	assert.Contains(t, errs, "duplicate node id: A")
	assert.Contains(t, errs, fmt.Sprintf("edge %s has dangling target node id: ghost", "e1"))
}

func TestValidate_DetectsEdgeFromTerminalNode(t *testing.T) {
	nodes := []Node{{ID: "A"}, {ID: "B"}}
	edges := []Edge{{ID: "e1", SourceNodeID: "B", TargetNodeID: "A"}}
	g := New("g4", 1, StatusDraft, nodes, edges, []string{"A"}, []string{"B"}, nil)

	errs := g.Validate(nil)
	assert.Contains(t, errs, "edge e1 originates from terminal node: B")
}

func TestValidate_DetectsUnreachableNode(t *testing.T) {
	nodes := []Node{{ID: "A"}, {ID: "orphan"}}
	g := New("g5", 1, StatusDraft, nodes, nil, []string{"A"}, nil, nil)

	errs := g.Validate(nil)
	assert.Contains(t, errs, "node unreachable from any entry: orphan")
}

func TestValidate_EmptyForWellFormedGraph(t *testing.T) {
	g := straightThroughGraph()
	assert.Empty(t, g.Validate(nil))
}

func TestValidate_DelegatesMalformedGuardsToExpressionEvaluator(t *testing.T) {
	nodes := []Node{{ID: "A"}, {ID: "B"}}
	edges := []Edge{{
		ID: "e1", SourceNodeID: "A", TargetNodeID: "B",
		GuardConditions: GuardConditions{Context: []string{"not valid ((("}},
	}}
	g := New("g6", 1, StatusDraft, nodes, edges, []string{"A"}, []string{"B"}, nil)

	errs := g.Validate(func(expr string) error {
		if expr == "not valid (((" {
			return assert.AnError
		}
		return nil
	})
	found := false
	for _, e := range errs {
		if e == "edge e1 malformed guard expression: "+assert.AnError.Error() {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNodesSubscribedToEvent(t *testing.T) {
	nodes := []Node{
		{ID: "A", EventConfig: EventConfig{Subscribes: []string{"DomainEvent"}}},
		{ID: "B"},
	}
	g := New("g7", 1, StatusDraft, nodes, nil, []string{"A"}, nil, nil)

	subs := g.NodesSubscribedToEvent("DomainEvent")
	require.Len(t, subs, 1)
	assert.Equal(t, "A", subs[0].ID)
	assert.Empty(t, g.NodesSubscribedToEvent("Other"))
}
