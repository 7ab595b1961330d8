// Package decide implements the deterministic NavigationDecider: given an
// EligibleSpace it always produces the same decision for the same inputs.
// No I/O, no randomness, no clock reads beyond stamping the result.
package decide

import (
	"sort"
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/evaluate"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
)

// DecisionType is the outcome category of a navigation decision.
type DecisionType string

const (
	DecisionProceed  DecisionType = "PROCEED"
	DecisionWait     DecisionType = "WAIT"
	DecisionComplete DecisionType = "COMPLETE"
	DecisionBlocked  DecisionType = "BLOCKED"
)

// SelectionCriteria names which selection rule produced the decision.
type SelectionCriteria string

const (
	CriteriaExclusive       SelectionCriteria = "EXCLUSIVE"
	CriteriaDependencyOrder SelectionCriteria = "DEPENDENCY_ORDER"
	CriteriaHighestPriority SelectionCriteria = "HIGHEST_PRIORITY"
	CriteriaParallel        SelectionCriteria = "PARALLEL"
	CriteriaSingleOption    SelectionCriteria = "SINGLE_OPTION"
	CriteriaNoOptions       SelectionCriteria = "NO_OPTIONS"
)

// Alternative records one candidate's fate for the decision trace.
type Alternative struct {
	NodeID   string
	EdgeID   string
	Selected bool
	Reason   string
}

// Decision is the immutable output of NavigationDecider.Select.
type Decision struct {
	Type              DecisionType
	SelectedActions   []evaluate.CandidateAction
	Alternatives      []Alternative
	SelectionCriteria SelectionCriteria
	SelectionReason   string
	EligibleSpace     evaluate.EligibleSpace
	DecidedAt         time.Time
}

// DependencyConstraints optionally restricts selection beyond guard/priority
// ordering.
type DependencyConstraints struct {
	// MustExecuteBefore maps a candidate edge id to the set of node ids that
	// must already be completed before that candidate may be selected.
	MustExecuteBefore map[string][]string
	// MustNotParallel lists pairs of edge ids that must never be selected
	// together in the same PARALLEL dispatch.
	MustNotParallel [][2]string
}

// Decider implements the pure NavigationDecider.
type Decider struct {
	// MaxParallelPerStep bounds how many PARALLEL candidates may be
	// selected together; 0 means unbounded (select all).
	MaxParallelPerStep int
}

func NewDecider(maxParallelPerStep int) *Decider {
	return &Decider{MaxParallelPerStep: maxParallelPerStep}
}

// Select runs the selection pipeline over space and returns a Decision:
// exclusive preemption, dependency filtering, single-option short-circuit,
// parallel dispatch, then highest priority.
func (d *Decider) Select(space evaluate.EligibleSpace, inst *instance.ProcessInstance, g *graph.ProcessGraph, constraints DependencyConstraints) Decision {
	now := time.Now()

	if space.Empty() {
		if allTerminalsReached(inst, g) {
			return Decision{
				Type: DecisionComplete, SelectionCriteria: CriteriaNoOptions,
				SelectionReason: "all terminal nodes reached", EligibleSpace: space, DecidedAt: now,
			}
		}
		return Decision{
			Type: DecisionWait, SelectionCriteria: CriteriaNoOptions,
			SelectionReason: "no eligible actions", EligibleSpace: space, DecidedAt: now,
		}
	}

	candidates := append([]evaluate.CandidateAction(nil), space.CandidateActions...)
	sortCandidates(candidates)

	alternatives := make([]Alternative, 0, len(candidates))
	altFor := func(c evaluate.CandidateAction, selected bool, reason string) Alternative {
		edgeID := ""
		if c.Edge != nil {
			edgeID = c.Edge.ID
		}
		return Alternative{NodeID: c.Node.ID, EdgeID: edgeID, Selected: selected, Reason: reason}
	}

	// Step: exclusive preemption.
	var exclusive []evaluate.CandidateAction
	for _, c := range candidates {
		if c.Edge != nil && c.Edge.Priority.Exclusive {
			exclusive = append(exclusive, c)
		}
	}
	if len(exclusive) > 0 {
		winner := exclusive[0]
		for _, c := range candidates {
			if c.Node.ID == winner.Node.ID && edgeIDOf(c) == edgeIDOf(winner) {
				alternatives = append(alternatives, altFor(c, true, "selected: exclusive edge"))
			} else {
				alternatives = append(alternatives, altFor(c, false, "preempted by exclusive edge"))
			}
		}
		return Decision{
			Type: DecisionProceed, SelectedActions: []evaluate.CandidateAction{winner},
			Alternatives: alternatives, SelectionCriteria: CriteriaExclusive,
			SelectionReason: "exclusive edge preempts all other candidates",
			EligibleSpace:   space, DecidedAt: now,
		}
	}

	// Step: dependency filter, with starvation guard. The bypass is kept
	// visible: it is stamped into the selection reason and every
	// alternative so the restoration is auditable in the trace.
	filtered := applyDependencyFilter(candidates, inst, constraints)
	dependencyFilterApplied := len(filtered) != len(candidates)
	filterBypassed := false
	if len(filtered) == 0 {
		filtered = candidates
		dependencyFilterApplied = false
		filterBypassed = true
	}
	const bypassNote = "dependency filter bypassed: would have starved all candidates"
	withBypass := func(reason string) string {
		if filterBypassed {
			return reason + " (" + bypassNote + ")"
		}
		return reason
	}

	if len(filtered) == 1 {
		for _, c := range candidates {
			selected := c.Node.ID == filtered[0].Node.ID && edgeIDOf(c) == edgeIDOf(filtered[0])
			reason := "not selected"
			if selected {
				reason = "selected: single remaining option"
			} else if dependencyFilterApplied {
				reason = "excluded by dependency filter"
			}
			alternatives = append(alternatives, altFor(c, selected, withBypass(reason)))
		}
		return Decision{
			Type: DecisionProceed, SelectedActions: filtered,
			Alternatives: alternatives, SelectionCriteria: CriteriaSingleOption,
			SelectionReason: withBypass("single eligible candidate after filtering"),
			EligibleSpace:   space, DecidedAt: now,
		}
	}

	// Step: parallel dispatch.
	var parallel []evaluate.CandidateAction
	for _, c := range filtered {
		if c.Edge != nil && c.Edge.ExecutionSemantics.Type == graph.SemanticsParallel {
			if !violatesMustNotParallel(c, parallel, constraints) {
				parallel = append(parallel, c)
			}
		}
	}
	if len(parallel) >= 2 {
		if d.MaxParallelPerStep > 0 && len(parallel) > d.MaxParallelPerStep {
			parallel = parallel[:d.MaxParallelPerStep]
		}
		selectedSet := make(map[string]bool, len(parallel))
		for _, c := range parallel {
			selectedSet[c.Node.ID+"|"+edgeIDOf(c)] = true
		}
		for _, c := range candidates {
			key := c.Node.ID + "|" + edgeIDOf(c)
			if selectedSet[key] {
				alternatives = append(alternatives, altFor(c, true, withBypass("selected: parallel dispatch")))
			} else {
				alternatives = append(alternatives, altFor(c, false, withBypass("not part of parallel dispatch")))
			}
		}
		return Decision{
			Type: DecisionProceed, SelectedActions: parallel,
			Alternatives: alternatives, SelectionCriteria: CriteriaParallel,
			SelectionReason: withBypass("parallel edges dispatched together"),
			EligibleSpace:   space, DecidedAt: now,
		}
	}

	// Step: highest priority (head of sorted, filtered list).
	head := filtered[0]
	for _, c := range candidates {
		selected := c.Node.ID == head.Node.ID && edgeIDOf(c) == edgeIDOf(head)
		reason := "not selected: lower priority"
		if selected {
			reason = "selected: highest effective priority"
		}
		alternatives = append(alternatives, altFor(c, selected, withBypass(reason)))
	}
	return Decision{
		Type: DecisionProceed, SelectedActions: []evaluate.CandidateAction{head},
		Alternatives: alternatives, SelectionCriteria: CriteriaHighestPriority,
		SelectionReason: withBypass("highest effective priority among remaining candidates"),
		EligibleSpace:   space, DecidedAt: now,
	}
}

func edgeIDOf(c evaluate.CandidateAction) string {
	if c.Edge == nil {
		return ""
	}
	return c.Edge.ID
}

func sortCandidates(candidates []evaluate.CandidateAction) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.EffectivePriority != b.EffectivePriority {
			return a.EffectivePriority > b.EffectivePriority
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return edgeIDOf(a) < edgeIDOf(b)
	})
}

func applyDependencyFilter(candidates []evaluate.CandidateAction, inst *instance.ProcessInstance, constraints DependencyConstraints) []evaluate.CandidateAction {
	completed := make(map[string]bool)
	for _, h := range inst.History() {
		if h.Status == instance.NodeStatusCompleted {
			completed[h.NodeID] = true
		}
	}

	var out []evaluate.CandidateAction
	for _, c := range candidates {
		if c.Edge != nil && c.SourceNodeID != "" && !completed[c.SourceNodeID] {
			continue
		}
		if constraints.MustExecuteBefore != nil {
			required, ok := constraints.MustExecuteBefore[edgeIDOf(c)]
			if ok {
				satisfied := true
				for _, reqID := range required {
					if !completed[reqID] {
						satisfied = false
						break
					}
				}
				if !satisfied {
					continue
				}
			}
		}
		out = append(out, c)
	}
	return out
}

func violatesMustNotParallel(candidate evaluate.CandidateAction, chosen []evaluate.CandidateAction, constraints DependencyConstraints) bool {
	if len(constraints.MustNotParallel) == 0 {
		return false
	}
	cid := edgeIDOf(candidate)
	for _, other := range chosen {
		oid := edgeIDOf(other)
		for _, pair := range constraints.MustNotParallel {
			if (pair[0] == cid && pair[1] == oid) || (pair[0] == oid && pair[1] == cid) {
				return true
			}
		}
	}
	return false
}

func allTerminalsReached(inst *instance.ProcessInstance, g *graph.ProcessGraph) bool {
	completed := make(map[string]bool)
	for _, h := range inst.History() {
		if h.Status == instance.NodeStatusCompleted {
			completed[h.NodeID] = true
		}
	}
	for _, id := range g.TerminalNodeIDs {
		if completed[id] {
			return true
		}
	}
	return false
}
