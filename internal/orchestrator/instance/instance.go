// Package instance models the mutable runtime state of one process
// execution: its current node set, execution history, and lifecycle
// status. A ProcessInstance is mutex-guarded and always accessed through
// copy-out snapshots so callers never race on its internal maps.
package instance

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a ProcessInstance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// NodeStatus is the lifecycle state of a single node execution within an instance.
type NodeStatus string

const (
	NodeStatusActive    NodeStatus = "ACTIVE"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusSkipped   NodeStatus = "SKIPPED"
	NodeStatusWaiting   NodeStatus = "WAITING" // present at a join target, awaiting sibling branches
)

// NodeExecution is one historical record of a node being entered, and
// eventually completed or failed, within an instance.
type NodeExecution struct {
	NodeID      string
	Status      NodeStatus
	EnteredAt   time.Time
	CompletedAt *time.Time
	Output      map[string]any
	Error       string
	Attempt     int
	WaveIndex   int
}

// ProcessInstance is the mutable runtime state of one execution of a
// ProcessGraph. All access goes through its methods, which hold mu for the
// duration of the mutation or snapshot.
type ProcessInstance struct {
	mu sync.RWMutex

	ID            string
	GraphID       string
	GraphVersion  int
	CorrelationID string
	Status        Status
	StartedAt     time.Time
	EndedAt       *time.Time

	activeNodeIDs map[string]bool
	history       []NodeExecution

	// domainPayload is the business payload the instance was started with.
	// It is set once before the first cycle and read-only afterward.
	domainPayload map[string]any

	// waiting tracks, per join target node, which source node ids have
	// already arrived for the current join round.
	waiting map[string]map[string]bool
}

// New creates a ProcessInstance in RUNNING status with no active nodes.
func New(id, graphID string, graphVersion int, startedAt time.Time) *ProcessInstance {
	return &ProcessInstance{
		ID:            id,
		GraphID:       graphID,
		GraphVersion:  graphVersion,
		Status:        StatusRunning,
		StartedAt:     startedAt,
		activeNodeIDs: make(map[string]bool),
		waiting:       make(map[string]map[string]bool),
	}
}

// Restore rebuilds a ProcessInstance from a persisted Snapshot. Join-round
// arrival tracking is not persisted; it is re-derived from completed-node
// events as they are redelivered or re-observed.
func Restore(snap Snapshot) *ProcessInstance {
	p := &ProcessInstance{
		ID:            snap.ID,
		GraphID:       snap.GraphID,
		GraphVersion:  snap.GraphVersion,
		CorrelationID: snap.CorrelationID,
		Status:        snap.Status,
		StartedAt:     snap.StartedAt,
		EndedAt:       snap.EndedAt,
		activeNodeIDs: make(map[string]bool, len(snap.ActiveNodeIDs)),
		waiting:       make(map[string]map[string]bool),
		history:       append([]NodeExecution(nil), snap.History...),
		domainPayload: snap.DomainPayload,
	}
	for _, id := range snap.ActiveNodeIDs {
		p.activeNodeIDs[id] = true
	}
	return p
}

// SetDomainPayload stores the business payload the instance starts with.
// Callers set it once, before the first cycle runs.
func (p *ProcessInstance) SetDomainPayload(payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.domainPayload = payload
}

// DomainPayload returns the business payload the instance was started with.
func (p *ProcessInstance) DomainPayload() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.domainPayload
}

// Snapshot is an immutable copy of the instance's state at a point in time.
type Snapshot struct {
	ID            string
	GraphID       string
	GraphVersion  int
	CorrelationID string
	Status        Status
	StartedAt     time.Time
	EndedAt       *time.Time
	ActiveNodeIDs []string
	History       []NodeExecution
	DomainPayload map[string]any
}

// Snapshot returns a deep-enough copy of the instance for safe external use.
func (p *ProcessInstance) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	active := make([]string, 0, len(p.activeNodeIDs))
	for id := range p.activeNodeIDs {
		active = append(active, id)
	}
	history := append([]NodeExecution(nil), p.history...)

	return Snapshot{
		ID:            p.ID,
		GraphID:       p.GraphID,
		GraphVersion:  p.GraphVersion,
		CorrelationID: p.CorrelationID,
		Status:        p.Status,
		StartedAt:     p.StartedAt,
		EndedAt:       p.EndedAt,
		ActiveNodeIDs: active,
		History:       history,
		DomainPayload: p.domainPayload,
	}
}

// GetStatus returns the current lifecycle status.
func (p *ProcessInstance) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Status
}

// SetStatus transitions the instance to status, stamping EndedAt for terminal statuses.
func (p *ProcessInstance) SetStatus(status Status, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = status
	if status == StatusCompleted || status == StatusCancelled || status == StatusFailed {
		t := at
		p.EndedAt = &t
	}
}

// ActiveNodeIDs returns the node ids currently active (entered, not yet completed/failed/skipped).
func (p *ProcessInstance) ActiveNodeIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeNodeIDs))
	for id := range p.activeNodeIDs {
		ids = append(ids, id)
	}
	return ids
}

// IsActive reports whether nodeID is currently active.
func (p *ProcessInstance) IsActive(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeNodeIDs[nodeID]
}

// EnterNode records nodeID becoming active and appends a history record.
func (p *ProcessInstance) EnterNode(nodeID string, at time.Time, waveIndex, attempt int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeNodeIDs[nodeID] = true
	p.history = append(p.history, NodeExecution{
		NodeID:    nodeID,
		Status:    NodeStatusActive,
		EnteredAt: at,
		Attempt:   attempt,
		WaveIndex: waveIndex,
	})
}

// CompleteNode marks the most recent active execution record for nodeID as completed.
func (p *ProcessInstance) CompleteNode(nodeID string, at time.Time, output map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeNodeIDs, nodeID)
	p.finishLatest(nodeID, NodeStatusCompleted, at, output, "")
}

// FailNode marks the most recent active execution record for nodeID as failed.
func (p *ProcessInstance) FailNode(nodeID string, at time.Time, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeNodeIDs, nodeID)
	p.finishLatest(nodeID, NodeStatusFailed, at, nil, errMsg)
}

// SkipNode records nodeID as skipped without ever having been active.
func (p *ProcessInstance) SkipNode(nodeID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, NodeExecution{
		NodeID:      nodeID,
		Status:      NodeStatusSkipped,
		EnteredAt:   at,
		CompletedAt: &at,
	})
}

func (p *ProcessInstance) finishLatest(nodeID string, status NodeStatus, at time.Time, output map[string]any, errMsg string) {
	for i := len(p.history) - 1; i >= 0; i-- {
		if p.history[i].NodeID == nodeID && p.history[i].Status == NodeStatusActive {
			p.history[i].Status = status
			t := at
			p.history[i].CompletedAt = &t
			p.history[i].Output = output
			p.history[i].Error = errMsg
			return
		}
	}
}

// HasCompleted reports whether nodeID has at least one COMPLETED execution
// record.
func (p *ProcessInstance) HasCompleted(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.history {
		if h.NodeID == nodeID && h.Status == NodeStatusCompleted {
			return true
		}
	}
	return false
}

// LatestOutput returns the output of the most recent completed execution of
// nodeID, or nil if none.
func (p *ProcessInstance) LatestOutput(nodeID string) map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := len(p.history) - 1; i >= 0; i-- {
		if p.history[i].NodeID == nodeID && p.history[i].Status == NodeStatusCompleted {
			return p.history[i].Output
		}
	}
	return nil
}

// AttemptCount returns how many times nodeID has been entered so far.
func (p *ProcessInstance) AttemptCount(nodeID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, h := range p.history {
		if h.NodeID == nodeID {
			n++
		}
	}
	return n
}

// RecordJoinArrival marks sourceNodeID as arrived at joinTargetNodeID for the
// current join round, returning the set of distinct source ids that have
// arrived so far.
func (p *ProcessInstance) RecordJoinArrival(joinTargetNodeID, sourceNodeID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.waiting[joinTargetNodeID]
	if !ok {
		set = make(map[string]bool)
		p.waiting[joinTargetNodeID] = set
	}
	set[sourceNodeID] = true
	arrived := make([]string, 0, len(set))
	for id := range set {
		arrived = append(arrived, id)
	}
	return arrived
}

// JoinArrivals returns the distinct source ids recorded so far for
// joinTargetNodeID's current join round, without mutating the round.
func (p *ProcessInstance) JoinArrivals(joinTargetNodeID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.waiting[joinTargetNodeID]
	arrived := make([]string, 0, len(set))
	for id := range set {
		arrived = append(arrived, id)
	}
	return arrived
}

// ClearJoin resets the join-arrival tracking for joinTargetNodeID, e.g. once
// the join has fired.
func (p *ProcessInstance) ClearJoin(joinTargetNodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiting, joinTargetNodeID)
}

// History returns a copy of the full execution history, in append order.
func (p *ProcessInstance) History() []NodeExecution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]NodeExecution(nil), p.history...)
}
