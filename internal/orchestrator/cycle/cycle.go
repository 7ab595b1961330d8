// Package cycle implements the InstanceOrchestrator: the single-step
// assemble -> evaluate -> select -> govern -> execute -> trace cycle that
// the event loop in package process drives once per relevant event.
package cycle

import (
	"context"
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/action"
	orchcontext "github.com/flowcore/orchestrator/internal/orchestrator/context"
	"github.com/flowcore/orchestrator/internal/orchestrator/decide"
	"github.com/flowcore/orchestrator/internal/orchestrator/evaluate"
	"github.com/flowcore/orchestrator/internal/orchestrator/govern"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/orcherr"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// ResultStatus summarizes how one cycle ended.
type ResultStatus string

const (
	ResultExecuted  ResultStatus = "EXECUTED"
	ResultWaiting   ResultStatus = "WAITING"
	ResultCompleted ResultStatus = "COMPLETED"
	ResultBlocked   ResultStatus = "BLOCKED"
	ResultFailed    ResultStatus = "FAILED"
)

// OrchestrationResult is what one orchestrate call returns to its caller
// (the ProcessOrchestrator's event loop).
type OrchestrationResult struct {
	Status   ResultStatus
	Reason   string
	Decision decide.Decision
	Traces   []trace.DecisionTrace
}

// ContextBuilder assembles a RuntimeContext for one cycle. The concrete
// implementation lives with the caller, since it needs access to the
// client config source, entity repositories, and obligation store that are
// out of this package's scope.
type ContextBuilder func(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, triggeringEvent *orchcontext.EventRecord) (*orchcontext.RuntimeContext, error)

// GovernanceLookup adapts a graph.Node to the narrower NodeGovernance view
// the governor needs.
func GovernanceLookup(n *graph.Node) govern.NodeGovernance {
	return govern.NodeGovernance{
		NodeID:               n.ID,
		IdempotencyEnabled:   n.IdempotencyEnabled,
		AuthorizationEnabled: n.AuthorizationEnabled,
		PolicyGateEnabled:    n.PolicyGateEnabled,
		RequiredPermissions:  n.RequiredPermissions,
	}
}

// ExecutionIDGenerator produces a unique id to correlate an action dispatch.
type ExecutionIDGenerator func() string

// RetrySignal is how the orchestrator asks the scheduler to re-queue a
// NodeFailed(retryable=true) event for later re-evaluation. The process
// package supplies the concrete implementation (it owns the event queue).
type RetrySignal func(instanceID, nodeID string, attempt int)

// Orchestrator is the InstanceOrchestrator.
type Orchestrator struct {
	BuildContext ContextBuilder
	Eligibility  *evaluate.EligibilityEvaluator
	Decider      *decide.Decider
	Governor     *govern.Governor
	Executor     action.Executor
	Tracer       *trace.Tracer
	NewExecID    ExecutionIDGenerator
	OnRetry      RetrySignal
}

func New(
	buildContext ContextBuilder,
	eligibility *evaluate.EligibilityEvaluator,
	decider *decide.Decider,
	governor *govern.Governor,
	executor action.Executor,
	tracer *trace.Tracer,
	newExecID ExecutionIDGenerator,
	onRetry RetrySignal,
) *Orchestrator {
	return &Orchestrator{
		BuildContext: buildContext, Eligibility: eligibility, Decider: decider,
		Governor: governor, Executor: executor, Tracer: tracer, NewExecID: newExecID, OnRetry: onRetry,
	}
}

// Orchestrate runs one cycle: assemble, evaluate, decide, and — for a
// PROCEED decision — govern/execute/record each selected node in order.
func (o *Orchestrator) Orchestrate(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, triggeringEvent *orchcontext.EventRecord) (OrchestrationResult, error) {
	return o.run(ctx, inst, g, "", triggeringEvent, nil)
}

// OrchestrateEntry runs the first cycle of a freshly started instance.
func (o *Orchestrator) OrchestrateEntry(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph) (OrchestrationResult, error) {
	return o.run(ctx, inst, g, "", nil, nil)
}

// ReevaluateAfterEvent runs a cycle biased toward nodes/edges the given
// event activates, per EligibilityEvaluator.Evaluate's triggeringEventType
// argument.
func (o *Orchestrator) ReevaluateAfterEvent(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, event orchcontext.EventRecord, joins evaluate.JoinState) (OrchestrationResult, error) {
	return o.run(ctx, inst, g, event.Type, &event, joins)
}

func (o *Orchestrator) run(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, triggeringEventType string, triggeringEvent *orchcontext.EventRecord, joins evaluate.JoinState) (OrchestrationResult, error) {
	rc, err := o.BuildContext(ctx, inst, g, triggeringEvent)
	if err != nil {
		return OrchestrationResult{}, err
	}

	space := o.Eligibility.Evaluate(inst, g, rc, triggeringEventType, joins)
	decision := o.Decider.Select(space, inst, g, decide.DependencyConstraints{})

	result := OrchestrationResult{Decision: decision}

	switch decision.Type {
	case decide.DecisionWait:
		o.recordTrace(ctx, inst.ID, trace.TypeWait, trace.OutcomeWaiting, space, decision, nil, "", decision.SelectionReason, &result)
		result.Status = ResultWaiting
		result.Reason = decision.SelectionReason
		return result, nil

	case decide.DecisionComplete:
		inst.SetStatus(instance.StatusCompleted, time.Now())
		o.recordTrace(ctx, inst.ID, trace.TypeNavigation, trace.OutcomeExecuted, space, decision, nil, "", decision.SelectionReason, &result)
		result.Status = ResultCompleted
		result.Reason = decision.SelectionReason
		return result, nil

	case decide.DecisionBlocked:
		o.recordTrace(ctx, inst.ID, trace.TypeBlocked, trace.OutcomeBlocked, space, decision, nil, "", decision.SelectionReason, &result)
		result.Status = ResultBlocked
		result.Reason = decision.SelectionReason
		return result, nil

	case decide.DecisionProceed:
		return o.proceed(ctx, inst, g, rc, space, decision, result)
	}

	return result, nil
}

func (o *Orchestrator) proceed(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, rc *orchcontext.RuntimeContext, space evaluate.EligibleSpace, decision decide.Decision, result OrchestrationResult) (OrchestrationResult, error) {
	env := rc.ToEvalEnv()

	// A join target reached over several traversable in-edges appears once
	// per edge in the selection; it still occupies a single slot.
	dispatched := make(map[string]bool, len(decision.SelectedActions))

	for _, candidate := range decision.SelectedActions {
		nodeID := candidate.Node.ID

		if dispatched[nodeID] {
			continue
		}
		dispatched[nodeID] = true

		if inst.HasCompleted(nodeID) {
			o.recordTrace(ctx, inst.ID, trace.TypeWait, trace.OutcomeWaiting, space, decision, nil, nodeID, "node already executed", &result)
			if result.Status == "" {
				result.Status = ResultWaiting
				result.Reason = "node already executed: " + nodeID
			}
			continue
		}

		govResult, err := o.Governor.Enforce(ctx, inst.ID, GovernanceLookup(candidate.Node), env)
		if err != nil {
			return result, err
		}
		if !govResult.Approved {
			o.recordTrace(ctx, inst.ID, trace.TypeBlocked, trace.OutcomeBlocked, space, decision, &govResult, nodeID, govResult.FirstFailureReason(), &result)
			result.Status = ResultBlocked
			result.Reason = govResult.FirstFailureReason()
			continue
		}

		attempt := inst.AttemptCount(nodeID) + 1
		inst.EnterNode(nodeID, time.Now(), 0, attempt)

		execID := ""
		if o.NewExecID != nil {
			execID = o.NewExecID()
		}
		actionResult := o.dispatch(ctx, inst.ID, candidate.Node, env)

		switch actionResult.Status {
		case action.StatusSuccess:
			inst.CompleteNode(nodeID, time.Now(), actionResult.Output)
			if err := o.Governor.RecordExecution(ctx, inst.ID, GovernanceLookup(candidate.Node), env, execID); err != nil {
				return result, err
			}
			o.recordTrace(ctx, inst.ID, trace.TypeExecution, trace.OutcomeExecuted, space, decision, &govResult, nodeID, "", &result)
			result.Status = ResultExecuted

		case action.StatusPending:
			o.recordTrace(ctx, inst.ID, trace.TypeExecution, trace.OutcomeWaiting, space, decision, &govResult, nodeID, "pending external completion", &result)
			result.Status = ResultWaiting

		case action.StatusFailed:
			// The reservation Enforce took must not outlive a failed
			// dispatch, or a compensating retry could never re-run.
			_ = o.Governor.ReleaseReservation(ctx, inst.ID, GovernanceLookup(candidate.Node), env)
			o.handleFailure(ctx, inst, g, candidate, actionResult, attempt, space, decision, &govResult, &result)
		}
	}

	return result, nil
}

// CompleteExternalNode finalizes an ACTIVE node whose action reported
// PENDING at dispatch and whose completion arrived later as a
// NodeCompleted/Approval event. It commits the idempotency reservation
// Enforce took before dispatch, marks the node COMPLETED with the event's
// output, and records an EXECUTION trace. A node that is not in flight is
// left untouched, so redelivered completion events are harmless.
func (o *Orchestrator) CompleteExternalNode(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, nodeID string, output map[string]any) error {
	node := g.NodeByID(nodeID)
	if node == nil {
		return orcherr.New(orcherr.KindNodeNotFound, "node "+nodeID)
	}
	if !inst.IsActive(nodeID) {
		return nil
	}

	// The reservation was fingerprinted against the pre-completion
	// environment; rebuild that same environment before the node's own
	// output lands in entity state.
	rc, err := o.BuildContext(ctx, inst, g, nil)
	if err != nil {
		return err
	}
	env := rc.ToEvalEnv()

	execID := ""
	if o.NewExecID != nil {
		execID = o.NewExecID()
	}
	if err := o.Governor.RecordExecution(ctx, inst.ID, GovernanceLookup(node), env, execID); err != nil {
		return err
	}

	inst.CompleteNode(nodeID, time.Now(), output)

	if o.Tracer != nil {
		_ = o.Tracer.Record(ctx, trace.DecisionTrace{
			InstanceID: inst.ID,
			Type:       trace.TypeExecution,
			Outcome:    trace.OutcomeExecuted,
			NodeID:     nodeID,
		})
	}
	return nil
}

// FailExternalNode marks an ACTIVE node failed from an external rejection
// (e.g. an Approval event with decision REJECTED) and releases the
// idempotency reservation so a later attempt can run.
func (o *Orchestrator) FailExternalNode(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, nodeID, reason string) error {
	node := g.NodeByID(nodeID)
	if node == nil {
		return orcherr.New(orcherr.KindNodeNotFound, "node "+nodeID)
	}
	if !inst.IsActive(nodeID) {
		return nil
	}

	rc, err := o.BuildContext(ctx, inst, g, nil)
	if err != nil {
		return err
	}
	env := rc.ToEvalEnv()
	_ = o.Governor.ReleaseReservation(ctx, inst.ID, GovernanceLookup(node), env)

	inst.FailNode(nodeID, time.Now(), reason)

	if o.Tracer != nil {
		_ = o.Tracer.Record(ctx, trace.DecisionTrace{
			InstanceID: inst.ID,
			Type:       trace.TypeExecution,
			Outcome:    trace.OutcomeFailed,
			NodeID:     nodeID,
			Error:      reason,
		})
	}
	return nil
}

// dispatch runs the node's action, bounded by the node's declared timeout.
// A deadline overrun surfaces as a FAILED result, never as an error.
func (o *Orchestrator) dispatch(ctx context.Context, instanceID string, node *graph.Node, env map[string]any) action.Result {
	execCtx := ctx
	if node.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result := o.Executor.Execute(execCtx, action.Request{
		InstanceID: instanceID, NodeID: node.ID, Action: node.Action, Env: env,
	})

	if execCtx.Err() == context.DeadlineExceeded && result.Status != action.StatusSuccess {
		result.Status = action.StatusFailed
		if result.Error == "" {
			result.Error = "execution timed out"
		}
	}
	return result
}

func (o *Orchestrator) handleFailure(ctx context.Context, inst *instance.ProcessInstance, g *graph.ProcessGraph, candidate evaluate.CandidateAction, actionResult action.Result, attempt int, space evaluate.EligibleSpace, decision decide.Decision, govResult *govern.Result, result *OrchestrationResult) {
	nodeID := candidate.Node.ID

	var compensation graph.Compensation
	if candidate.Edge != nil {
		compensation = candidate.Edge.Compensation
	}

	switch compensation.Kind {
	case graph.CompensationRetry:
		// MaxRetries bounds re-dispatches after the first failure, so a node
		// may be dispatched MaxRetries+1 times in total.
		if attempt <= compensation.MaxRetries {
			inst.FailNode(nodeID, time.Now(), actionResult.Error)
			if o.OnRetry != nil {
				o.OnRetry(inst.ID, nodeID, attempt)
			}
			o.recordTrace(ctx, inst.ID, trace.TypeExecution, trace.OutcomeFailed, space, decision, govResult, nodeID, "retryable failure: "+actionResult.Error, result)
			result.Status = ResultFailed
			result.Reason = "retry scheduled: " + actionResult.Error
			return
		}
		inst.FailNode(nodeID, time.Now(), actionResult.Error)
		o.recordTrace(ctx, inst.ID, trace.TypeExecution, trace.OutcomeFailed, space, decision, govResult, nodeID, "retries exhausted: "+actionResult.Error, result)
		result.Status = ResultFailed
		result.Reason = "retries exhausted: " + actionResult.Error
		return

	case graph.CompensationEscalate:
		inst.FailNode(nodeID, time.Now(), actionResult.Error)
		o.recordTrace(ctx, inst.ID, trace.TypeExecution, trace.OutcomeFailed, space, decision, govResult, nodeID, "escalating: "+actionResult.Error, result)
		result.Status = ResultFailed
		result.Reason = "escalated: " + actionResult.Error
		return

	default:
		inst.FailNode(nodeID, time.Now(), actionResult.Error)
		o.recordTrace(ctx, inst.ID, trace.TypeExecution, trace.OutcomeFailed, space, decision, govResult, nodeID, actionResult.Error, result)
		result.Status = ResultFailed
		result.Reason = actionResult.Error
	}
}

func (o *Orchestrator) recordTrace(ctx context.Context, instanceID string, typ trace.Type, outcome trace.Outcome, space evaluate.EligibleSpace, decision decide.Decision, gov *govern.Result, nodeID, errMsg string, result *OrchestrationResult) {
	if o.Tracer == nil {
		return
	}
	t := trace.DecisionTrace{
		InstanceID: instanceID,
		Type:       typ,
		Evaluation: trace.BuildEvaluationSnapshot(space),
		Decision:   trace.BuildDecisionSnapshot(decision),
		Outcome:    outcome,
		NodeID:     nodeID,
		Error:      errMsg,
	}
	if gov != nil {
		t.Governance = trace.BuildGovernanceSnapshot(*gov)
	}
	_ = o.Tracer.Record(ctx, t)
	result.Traces = append(result.Traces, t)
}
