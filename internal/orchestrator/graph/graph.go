// Package graph models the declarative process graph as an immutable arena:
// nodes and edges are built once and referenced by id, never by pointer, so
// the graph carries no back-references and is safe to share read-only
// across every instance that runs against it.
package graph

import "sort"

// GraphStatus is the publication lifecycle of a ProcessGraph.
type GraphStatus string

const (
	StatusDraft      GraphStatus = "DRAFT"
	StatusPublished  GraphStatus = "PUBLISHED"
	StatusDeprecated GraphStatus = "DEPRECATED"
)

// ActionType classifies how a node's action is dispatched.
type ActionType string

const (
	ActionSystemInvocation ActionType = "SYSTEM_INVOCATION"
	ActionHumanTask        ActionType = "HUMAN_TASK"
	ActionAgentAssisted    ActionType = "AGENT_ASSISTED"
	ActionComposite        ActionType = "COMPOSITE"
)

// Action is the tagged-variant description of what a node does; handlerRef
// resolves to a concrete ActionExecutor implementation in a registry keyed
// by (type, handlerRef) — the core never branches on concrete handler types.
type Action struct {
	Type       ActionType
	HandlerRef string
	Config     map[string]any
}

// PolicyGateRef names a design-time policy check a node must pass before
// its action becomes available (distinct from edge guard policy checks).
type PolicyGateRef struct {
	ID   string
	Type string // e.g. "STATUTORY" — a single FAILED of this type blocks unconditionally
}

// EventConfig declares which events a node reacts to and emits.
type EventConfig struct {
	Subscribes []string
	Emits      []string
}

// ExceptionRoute names a target node id to route to on a declared exception.
type ExceptionRoute struct {
	ExceptionType string
	TargetNodeID  string
}

// Node is an immutable vertex in the process graph.
type Node struct {
	ID                   string
	Name                 string
	Preconditions        []string // guard expressions, evaluated against RuntimeContext
	BusinessRules        []string // rule ids, evaluated in this order
	PolicyGates          []PolicyGateRef
	Action               Action
	EventConfig          EventConfig
	ExceptionRoutes      []ExceptionRoute
	RequiredPermissions  []string
	TimeoutSeconds       int
	IdempotencyEnabled   bool
	AuthorizationEnabled bool
	PolicyGateEnabled    bool
}

// JoinType is the fan-in semantics for PARALLEL inbound edges at a target node.
type JoinType string

const (
	JoinAll  JoinType = "ALL"
	JoinAny  JoinType = "ANY"
	JoinNOfM JoinType = "N_OF_M"
)

// ExecutionSemantics describes how an edge participates in fan-out/fan-in.
type ExecutionSemantics struct {
	Type     string // SEQUENTIAL | PARALLEL
	JoinType JoinType
	N        int // for N_OF_M
	M        int // for N_OF_M; 0 means "all inbound parallel edges in the group"
}

const (
	SemanticsSequential = "SEQUENTIAL"
	SemanticsParallel   = "PARALLEL"
)

// Priority governs selection ordering and preemption.
type Priority struct {
	Weight    int
	Rank      int
	Exclusive bool
}

// GuardConditions groups the four compartments an edge guard may read.
type GuardConditions struct {
	Context []string // expressions evaluated against the runtime context
	Rule    []string // rule ids that must be present+truthy in ruleOutputs
	Policy  []string // policy ids that must be PASSED or WAIVED
	Event   []string // event types that must appear in event history (or be the triggering event)
}

// CompensationKind is the strategy associated with an edge for recovering
// from an action failure on its source node.
type CompensationKind string

const (
	CompensationNone       CompensationKind = "NONE"
	CompensationRetry      CompensationKind = "RETRY"
	CompensationEscalate   CompensationKind = "ESCALATE"
	CompensationCompensate CompensationKind = "COMPENSATE"
)

// Compensation carries the kind plus its parameters (MaxRetries for RETRY,
// TargetNodeID for COMPENSATE).
type Compensation struct {
	Kind         CompensationKind
	MaxRetries   int
	TargetNodeID string
}

// EventTriggers names events that, on arrival, activate this edge for
// re-evaluation even absent a completed source node.
type EventTriggers struct {
	ActivatingEvents []string
}

// Edge is an immutable directed connection between two nodes.
type Edge struct {
	ID                 string
	SourceNodeID       string
	TargetNodeID       string
	GuardConditions    GuardConditions
	ExecutionSemantics ExecutionSemantics
	Priority           Priority
	EventTriggers      EventTriggers
	Compensation       Compensation
}

// ProcessGraph is the immutable, shared, read-only definition of a process.
// It is built once via New and never mutated afterward.
type ProcessGraph struct {
	ID              string
	Version         int
	Status          GraphStatus
	Metadata        map[string]any
	EntryNodeIDs    []string
	TerminalNodeIDs []string

	nodes []Node
	edges []Edge

	nodeByID               map[string]*Node
	edgeByID               map[string]*Edge
	outboundEdgesBySource  map[string][]*Edge
	inboundEdgesByTarget   map[string][]*Edge
	nodesSubscribedToEvent map[string][]*Node
	edgesActivatedByEvent  map[string][]*Edge
	entrySet               map[string]bool
	terminalSet            map[string]bool
}

// New builds a ProcessGraph and its indices from a flat node/edge list.
// The result is never mutated; callers that need a different graph build
// a new one.
func New(id string, version int, status GraphStatus, nodes []Node, edges []Edge, entryNodeIDs, terminalNodeIDs []string, metadata map[string]any) *ProcessGraph {
	g := &ProcessGraph{
		ID:              id,
		Version:         version,
		Status:          status,
		Metadata:        metadata,
		EntryNodeIDs:    append([]string(nil), entryNodeIDs...),
		TerminalNodeIDs: append([]string(nil), terminalNodeIDs...),
		nodes:           append([]Node(nil), nodes...),
		edges:           append([]Edge(nil), edges...),
	}
	g.buildIndices()
	return g
}

func (g *ProcessGraph) buildIndices() {
	g.nodeByID = make(map[string]*Node, len(g.nodes))
	g.edgeByID = make(map[string]*Edge, len(g.edges))
	g.outboundEdgesBySource = make(map[string][]*Edge)
	g.inboundEdgesByTarget = make(map[string][]*Edge)
	g.nodesSubscribedToEvent = make(map[string][]*Node)
	g.edgesActivatedByEvent = make(map[string][]*Edge)
	g.entrySet = make(map[string]bool, len(g.EntryNodeIDs))
	g.terminalSet = make(map[string]bool, len(g.TerminalNodeIDs))

	for i := range g.nodes {
		n := &g.nodes[i]
		g.nodeByID[n.ID] = n
		for _, evt := range n.EventConfig.Subscribes {
			g.nodesSubscribedToEvent[evt] = append(g.nodesSubscribedToEvent[evt], n)
		}
	}
	for _, id := range g.EntryNodeIDs {
		g.entrySet[id] = true
	}
	for _, id := range g.TerminalNodeIDs {
		g.terminalSet[id] = true
	}

	for i := range g.edges {
		e := &g.edges[i]
		g.edgeByID[e.ID] = e
		g.outboundEdgesBySource[e.SourceNodeID] = append(g.outboundEdgesBySource[e.SourceNodeID], e)
		g.inboundEdgesByTarget[e.TargetNodeID] = append(g.inboundEdgesByTarget[e.TargetNodeID], e)
		for _, evt := range e.EventTriggers.ActivatingEvents {
			g.edgesActivatedByEvent[evt] = append(g.edgesActivatedByEvent[evt], e)
		}
	}

	edgeOrder := func(edges []*Edge) {
		sort.SliceStable(edges, func(i, j int) bool {
			a, b := edges[i], edges[j]
			if a.Priority.Weight != b.Priority.Weight {
				return a.Priority.Weight > b.Priority.Weight
			}
			if a.Priority.Rank != b.Priority.Rank {
				return a.Priority.Rank < b.Priority.Rank
			}
			return a.ID < b.ID
		})
	}
	for k := range g.outboundEdgesBySource {
		edgeOrder(g.outboundEdgesBySource[k])
	}
	for k := range g.inboundEdgesByTarget {
		edgeOrder(g.inboundEdgesByTarget[k])
	}
}

// NodeByID returns the node with the given id, or nil.
func (g *ProcessGraph) NodeByID(id string) *Node { return g.nodeByID[id] }

// EdgeByID returns the edge with the given id, or nil.
func (g *ProcessGraph) EdgeByID(id string) *Edge { return g.edgeByID[id] }

// OutboundEdges returns the edges sourced at nodeID, in selection order.
func (g *ProcessGraph) OutboundEdges(nodeID string) []*Edge {
	return g.outboundEdgesBySource[nodeID]
}

// InboundEdges returns the edges targeting nodeID, in selection order.
func (g *ProcessGraph) InboundEdges(nodeID string) []*Edge {
	return g.inboundEdgesByTarget[nodeID]
}

// NodesSubscribedToEvent returns nodes declaring eventType in their EventConfig.Subscribes.
func (g *ProcessGraph) NodesSubscribedToEvent(eventType string) []*Node {
	return g.nodesSubscribedToEvent[eventType]
}

// EdgesActivatedByEvent returns edges whose EventTriggers name eventType.
func (g *ProcessGraph) EdgesActivatedByEvent(eventType string) []*Edge {
	return g.edgesActivatedByEvent[eventType]
}

// IsEntry reports whether nodeID is one of the graph's entry nodes.
func (g *ProcessGraph) IsEntry(nodeID string) bool { return g.entrySet[nodeID] }

// IsTerminal reports whether nodeID is one of the graph's terminal nodes.
func (g *ProcessGraph) IsTerminal(nodeID string) bool { return g.terminalSet[nodeID] }

// Nodes returns all nodes in declaration order. The caller must not mutate
// the result in place.
func (g *ProcessGraph) Nodes() []Node { return g.nodes }

// Edges returns all edges in declaration order. The caller must not mutate
// the result in place.
func (g *ProcessGraph) Edges() []Edge { return g.edges }

// Validate returns an ordered list of validation errors; an empty slice
// means the graph is valid. Publishing requires an empty list.
func (g *ProcessGraph) Validate(exprDryParse func(expr string) error) []string {
	var errs []string

	seenNode := make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		if seenNode[n.ID] {
			errs = append(errs, "duplicate node id: "+n.ID)
		}
		seenNode[n.ID] = true
	}

	seenEdge := make(map[string]bool, len(g.edges))
	for _, e := range g.edges {
		if seenEdge[e.ID] {
			errs = append(errs, "duplicate edge id: "+e.ID)
		}
		seenEdge[e.ID] = true
		if g.nodeByID[e.SourceNodeID] == nil {
			errs = append(errs, "edge "+e.ID+" has dangling source node id: "+e.SourceNodeID)
		}
		if g.nodeByID[e.TargetNodeID] == nil {
			errs = append(errs, "edge "+e.ID+" has dangling target node id: "+e.TargetNodeID)
		}
		if g.terminalSet[e.SourceNodeID] {
			errs = append(errs, "edge "+e.ID+" originates from terminal node: "+e.SourceNodeID)
		}
		if exprDryParse != nil {
			for _, expr := range e.GuardConditions.Context {
				if err := exprDryParse(expr); err != nil {
					errs = append(errs, "edge "+e.ID+" malformed guard expression: "+err.Error())
				}
			}
		}
	}

	for _, id := range g.EntryNodeIDs {
		if g.nodeByID[id] == nil {
			errs = append(errs, "dangling entry node id: "+id)
		}
	}
	for _, id := range g.TerminalNodeIDs {
		if g.nodeByID[id] == nil {
			errs = append(errs, "dangling terminal node id: "+id)
		}
	}

	reachable := g.reachableFromEntries()
	for _, n := range g.nodes {
		if !reachable[n.ID] {
			errs = append(errs, "node unreachable from any entry: "+n.ID)
		}
	}

	return errs
}

func (g *ProcessGraph) reachableFromEntries() map[string]bool {
	seen := make(map[string]bool, len(g.nodes))
	queue := append([]string(nil), g.EntryNodeIDs...)
	for _, id := range queue {
		seen[id] = true
	}
	for i := 0; i < len(queue); i++ {
		for _, e := range g.outboundEdgesBySource[queue[i]] {
			if !seen[e.TargetNodeID] {
				seen[e.TargetNodeID] = true
				queue = append(queue, e.TargetNodeID)
			}
		}
	}
	return seen
}
