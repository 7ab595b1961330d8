// Package process implements the ProcessOrchestrator: the event-driven
// scheduler that multiplexes inbound events onto instances, serializes
// per-instance cycles, and drives periodic obligation sweeps.
package process

import (
	"context"
	"log/slog"
	"sync"
	"time"

	orchcontext "github.com/flowcore/orchestrator/internal/orchestrator/context"
	"github.com/flowcore/orchestrator/internal/orchestrator/cycle"
	"github.com/flowcore/orchestrator/internal/orchestrator/evaluate"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// EventType enumerates the inbound events the scheduler routes.
type EventType string

const (
	EventNodeCompleted EventType = "NodeCompleted"
	EventNodeFailed    EventType = "NodeFailed"
	EventApproval      EventType = "Approval"
	EventTimerExpired  EventType = "TimerExpired"
	EventDomainEvent   EventType = "DomainEvent"
	EventDataChange    EventType = "DataChange"
	EventFailure       EventType = "Failure"
	EventPolicyUpdate  EventType = "PolicyUpdate"
)

// Event is one inbound signal offered to the scheduler's queue.
type Event struct {
	Type          EventType
	InstanceID    string
	CorrelationID string
	Payload       map[string]any
	OccurredAt    time.Time
}

// OverflowPolicy governs what happens when the event queue is full.
type OverflowPolicy string

const (
	OverflowDropNewest OverflowPolicy = "DROP_NEWEST"
	OverflowBlock      OverflowPolicy = "BLOCK"
)

// InstanceRepository is the port for loading/persisting instances and
// resolving which instances exist for routing purposes.
type InstanceRepository interface {
	Get(ctx context.Context, id string) (*instance.ProcessInstance, bool, error)
	Save(ctx context.Context, inst *instance.ProcessInstance) error
	FindByCorrelationID(ctx context.Context, correlationID string) ([]string, error)
	RunningInstanceIDs(ctx context.Context) ([]string, error)
	// OverdueObligations returns, for every RUNNING instance with at least
	// one unsatisfied obligation past its deadline, the instance id and
	// the obligation ids that are overdue.
	OverdueObligations(ctx context.Context, now time.Time) (map[string][]string, error)
}

// GraphRepository resolves the ProcessGraph an instance runs against.
type GraphRepository interface {
	Get(ctx context.Context, id string, version int) (*graph.ProcessGraph, bool, error)
}

// CachedStatus is the orchestrator's in-memory view of one instance,
// returned by GetStatus without a repository round-trip when present.
type CachedStatus struct {
	Instance   instance.Snapshot
	LastResult cycle.OrchestrationResult
	IsActive   bool
}

// Config bundles the scheduler tunables: queue sizing, sweep cadence, and
// overflow handling.
type Config struct {
	QueueCapacity        int
	EvaluationInterval   time.Duration
	OverflowPolicy       OverflowPolicy
	OverflowBlockTimeout time.Duration
}

// DefaultConfig matches the defaults named in the scheduler specification.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:      10000,
		EvaluationInterval: 5 * time.Second,
		OverflowPolicy:     OverflowDropNewest,
	}
}

// Orchestrator is the ProcessOrchestrator: process-wide event loop plus
// lifecycle control, wrapping one InstanceOrchestrator cycle engine.
type Orchestrator struct {
	cfg       Config
	cycleEng  *cycle.Orchestrator
	instances InstanceRepository
	graphs    GraphRepository
	logger    *slog.Logger
	// tracer records the WAIT traces for events dropped against cancelled
	// instances; nil disables them.
	tracer *trace.Tracer

	queue   chan Event
	running bool
	runMu   sync.Mutex

	statusMu sync.RWMutex
	status   map[string]*CachedStatus

	instanceLocks sync.Map // instanceID -> *sync.Mutex, enforces per-instance serialization

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, cycleEng *cycle.Orchestrator, instances InstanceRepository, graphs GraphRepository, logger *slog.Logger) *Orchestrator {
	if cfg.QueueCapacity <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		cfg: cfg, cycleEng: cycleEng, instances: instances, graphs: graphs, logger: logger,
		queue: make(chan Event, cfg.QueueCapacity), status: make(map[string]*CachedStatus),
	}
}

// Run starts the event loop; it blocks until Stop is called or ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	o.runMu.Lock()
	if o.running {
		o.runMu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.runMu.Unlock()
	defer close(o.doneCh)

	timer := time.NewTimer(o.cfg.EvaluationInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case evt := <-o.queue:
			o.handleEvent(ctx, evt)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(o.cfg.EvaluationInterval)
		case <-timer.C:
			o.performPeriodicEvaluation(ctx)
			timer.Reset(o.cfg.EvaluationInterval)
		}
	}
}

// Stop halts the event loop.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	close(o.stopCh)
	<-o.doneCh
}

// StartRequest carries everything a new instance starts with: its graph
// reference, optional correlation id for event routing, and the initial
// domain payload exposed to guards.
type StartRequest struct {
	InstanceID    string
	GraphID       string
	GraphVersion  int
	CorrelationID string
	Domain        map[string]any
}

// Start creates a new instance against graph, runs one entry cycle, and
// caches its status.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (cycle.OrchestrationResult, error) {
	g, ok, err := o.graphs.Get(ctx, req.GraphID, req.GraphVersion)
	if err != nil {
		return cycle.OrchestrationResult{}, err
	}
	if !ok {
		return cycle.OrchestrationResult{}, errNotFound("graph", req.GraphID)
	}

	inst := instance.New(req.InstanceID, req.GraphID, req.GraphVersion, time.Now())
	inst.CorrelationID = req.CorrelationID
	inst.SetDomainPayload(req.Domain)
	if err := o.instances.Save(ctx, inst); err != nil {
		return cycle.OrchestrationResult{}, err
	}

	result, err := o.withInstanceLock(req.InstanceID, func() (cycle.OrchestrationResult, error) {
		return o.cycleEng.OrchestrateEntry(ctx, inst, g)
	})
	if err != nil {
		return result, err
	}
	_ = o.instances.Save(ctx, inst)
	o.cacheStatus(req.InstanceID, inst, result)
	return result, nil
}

// Signal offers event to the queue according to the configured overflow policy.
func (o *Orchestrator) Signal(evt Event) {
	select {
	case o.queue <- evt:
		return
	default:
	}

	switch o.cfg.OverflowPolicy {
	case OverflowBlock:
		timeout := o.cfg.OverflowBlockTimeout
		if timeout <= 0 {
			timeout = time.Second
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case o.queue <- evt:
		case <-t.C:
			o.logDropped(evt, "block timeout exceeded")
		}
	default:
		o.logDropped(evt, "queue full")
	}
}

func (o *Orchestrator) logDropped(evt Event, reason string) {
	if o.logger != nil {
		o.logger.Warn("dropping event", slog.String("type", string(evt.Type)), slog.String("instanceId", evt.InstanceID), slog.String("reason", reason))
	}
}

// Suspend marks instanceID SUSPENDED.
func (o *Orchestrator) Suspend(ctx context.Context, instanceID string) error {
	inst, ok, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound("instance", instanceID)
	}
	inst.SetStatus(instance.StatusSuspended, time.Now())
	return o.instances.Save(ctx, inst)
}

// Resume restores instanceID to RUNNING and runs one cycle.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string) (cycle.OrchestrationResult, error) {
	inst, ok, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return cycle.OrchestrationResult{}, err
	}
	if !ok {
		return cycle.OrchestrationResult{}, errNotFound("instance", instanceID)
	}
	inst.SetStatus(instance.StatusRunning, time.Now())

	g, ok, err := o.graphs.Get(ctx, inst.GraphID, inst.GraphVersion)
	if err != nil {
		return cycle.OrchestrationResult{}, err
	}
	if !ok {
		return cycle.OrchestrationResult{}, errNotFound("graph", inst.GraphID)
	}

	result, err := o.withInstanceLock(instanceID, func() (cycle.OrchestrationResult, error) {
		return o.cycleEng.Orchestrate(ctx, inst, g, nil)
	})
	if err != nil {
		return result, err
	}
	_ = o.instances.Save(ctx, inst)
	o.cacheStatus(instanceID, inst, result)
	return result, nil
}

// Cancel marks instanceID CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	inst, ok, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound("instance", instanceID)
	}
	inst.SetStatus(instance.StatusCancelled, time.Now())
	return o.instances.Save(ctx, inst)
}

// GetStatus returns the cached status for instanceID, loading from the
// repository on a cache miss.
func (o *Orchestrator) GetStatus(ctx context.Context, instanceID string) (CachedStatus, error) {
	o.statusMu.RLock()
	cached, ok := o.status[instanceID]
	o.statusMu.RUnlock()
	if ok {
		return *cached, nil
	}

	inst, ok, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return CachedStatus{}, err
	}
	if !ok {
		return CachedStatus{}, errNotFound("instance", instanceID)
	}
	snap := inst.Snapshot()
	return CachedStatus{Instance: snap, IsActive: snap.Status == instance.StatusRunning}, nil
}

func (o *Orchestrator) cacheStatus(instanceID string, inst *instance.ProcessInstance, result cycle.OrchestrationResult) {
	snap := inst.Snapshot()
	o.statusMu.Lock()
	o.status[instanceID] = &CachedStatus{Instance: snap, LastResult: result, IsActive: snap.Status == instance.StatusRunning}
	o.statusMu.Unlock()
}

// SetTracer enables cancellation-drop traces.
func (o *Orchestrator) SetTracer(t *trace.Tracer) { o.tracer = t }

func (o *Orchestrator) handleEvent(ctx context.Context, evt Event) {
	affected := o.findAffectedInstances(ctx, evt)
	for _, instanceID := range affected {
		inst, ok, err := o.instances.Get(ctx, instanceID)
		if err != nil || !ok {
			continue
		}
		if status := inst.GetStatus(); status != instance.StatusRunning {
			if status == instance.StatusCancelled && o.tracer != nil {
				_ = o.tracer.Record(ctx, trace.DecisionTrace{
					InstanceID: instanceID,
					Type:       trace.TypeWait,
					Outcome:    trace.OutcomeWaiting,
					Error:      "event dropped: instance cancelled",
				})
			}
			continue
		}
		g, ok, err := o.graphs.Get(ctx, inst.GraphID, inst.GraphVersion)
		if err != nil || !ok {
			continue
		}

		rec := orchcontext.EventRecord{Type: string(evt.Type), Payload: evt.Payload, OccurredAt: evt.OccurredAt}
		joins := evaluate.JoinState(func(targetNodeID string) []string {
			return inst.JoinArrivals(targetNodeID)
		})

		result, err := o.withInstanceLock(instanceID, func() (cycle.OrchestrationResult, error) {
			// An inbound NodeCompleted/Approval addressed to a node that is
			// still in flight is the completion of a PENDING dispatch:
			// finalize the node before anything downstream reacts to it.
			o.resolveExternalCompletion(ctx, inst, g, evt)

			// A genuinely completed node is a join arrival for every join
			// target it feeds.
			if evt.Type == EventNodeCompleted || evt.Type == EventApproval {
				if sourceNodeID, ok := evt.Payload["nodeId"].(string); ok && sourceNodeID != "" && inst.HasCompleted(sourceNodeID) {
					for _, e := range g.OutboundEdges(sourceNodeID) {
						if e.ExecutionSemantics.Type == graph.SemanticsParallel && e.ExecutionSemantics.JoinType != "" {
							inst.RecordJoinArrival(e.TargetNodeID, sourceNodeID)
						}
					}
				}
			}

			return o.cycleEng.ReevaluateAfterEvent(ctx, inst, g, rec, joins)
		})
		if err != nil {
			if o.logger != nil {
				o.logger.Error("reevaluate after event failed", slog.String("instanceId", instanceID), slog.Any("error", err))
			}
			continue
		}
		_ = o.instances.Save(ctx, inst)
		o.cacheStatus(instanceID, inst, result)
	}
}

// resolveExternalCompletion finalizes a PENDING node from an inbound
// NodeCompleted or Approval event. NodeCompleted completes the node with the
// event's result; Approval completes on APPROVED, fails the node on
// REJECTED, and leaves it in flight for ESCALATED/DEFERRED. Events naming a
// node that is not active fall through untouched.
func (o *Orchestrator) resolveExternalCompletion(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, evt Event) {
	if evt.Type != EventNodeCompleted && evt.Type != EventApproval {
		return
	}
	nodeID, _ := evt.Payload["nodeId"].(string)
	if nodeID == "" || !inst.IsActive(nodeID) {
		return
	}

	var err error
	switch evt.Type {
	case EventNodeCompleted:
		output, _ := evt.Payload["result"].(map[string]any)
		err = o.cycleEng.CompleteExternalNode(ctx, inst, g, nodeID, output)

	case EventApproval:
		decision, _ := evt.Payload["decision"].(string)
		switch decision {
		case "", "APPROVED":
			output := map[string]any{"approved": true}
			if approver, ok := evt.Payload["approver"].(string); ok {
				output["approver"] = approver
			}
			if comments, ok := evt.Payload["comments"].(string); ok {
				output["comments"] = comments
			}
			err = o.cycleEng.CompleteExternalNode(ctx, inst, g, nodeID, output)
		case "REJECTED":
			err = o.cycleEng.FailExternalNode(ctx, inst, g, nodeID, "approval rejected")
		default:
			// ESCALATED / DEFERRED: the task stays in flight.
		}
	}
	if err != nil && o.logger != nil {
		o.logger.Error("external completion failed",
			slog.String("instanceId", inst.ID), slog.String("nodeId", nodeID), slog.Any("error", err))
	}
}

// findAffectedInstances routes an event to the instances it concerns:
// instance-addressed events go to exactly that instance, correlated events
// to their correlation group, and the rest broadcast to every RUNNING
// instance.
func (o *Orchestrator) findAffectedInstances(ctx context.Context, evt Event) []string {
	switch evt.Type {
	case EventNodeCompleted, EventNodeFailed, EventApproval, EventTimerExpired:
		if evt.InstanceID == "" {
			return nil
		}
		return []string{evt.InstanceID}

	case EventDomainEvent:
		if evt.InstanceID != "" && evt.CorrelationID == evt.InstanceID {
			return []string{evt.InstanceID}
		}
		if evt.CorrelationID != "" {
			ids, err := o.instances.FindByCorrelationID(ctx, evt.CorrelationID)
			if err == nil && len(ids) > 0 {
				return ids
			}
		}
		ids, _ := o.instances.RunningInstanceIDs(ctx)
		return ids

	case EventDataChange, EventFailure, EventPolicyUpdate:
		if evt.CorrelationID != "" {
			ids, err := o.instances.FindByCorrelationID(ctx, evt.CorrelationID)
			if err == nil && len(ids) > 0 {
				return ids
			}
		}
		ids, _ := o.instances.RunningInstanceIDs(ctx)
		return ids

	default:
		return nil
	}
}

// performPeriodicEvaluation scans for overdue obligations and synthesizes
// TimerExpired events, run when the queue poll times out.
func (o *Orchestrator) performPeriodicEvaluation(ctx context.Context) {
	overdue, err := o.instances.OverdueObligations(ctx, time.Now())
	if err != nil {
		if o.logger != nil {
			o.logger.Error("periodic evaluation failed", slog.Any("error", err))
		}
		return
	}
	for instanceID, obligationIDs := range overdue {
		for _, obligationID := range obligationIDs {
			o.handleEvent(ctx, Event{
				Type: EventTimerExpired, InstanceID: instanceID,
				Payload: map[string]any{"obligationId": obligationID}, OccurredAt: time.Now(),
			})
		}
	}
}

func (o *Orchestrator) withInstanceLock(instanceID string, fn func() (cycle.OrchestrationResult, error)) (cycle.OrchestrationResult, error) {
	lockIface, _ := o.instanceLocks.LoadOrStore(instanceID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

type notFoundError struct {
	kind string
	id   string
}

func (e *notFoundError) Error() string { return e.kind + " not found: " + e.id }

func errNotFound(kind, id string) error { return &notFoundError{kind: kind, id: id} }
