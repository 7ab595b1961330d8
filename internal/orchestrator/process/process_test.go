package process

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/orchestrator/internal/orchestrator/action"
	orchcontext "github.com/flowcore/orchestrator/internal/orchestrator/context"
	"github.com/flowcore/orchestrator/internal/orchestrator/cycle"
	"github.com/flowcore/orchestrator/internal/orchestrator/decide"
	"github.com/flowcore/orchestrator/internal/orchestrator/evaluate"
	"github.com/flowcore/orchestrator/internal/orchestrator/expression"
	"github.com/flowcore/orchestrator/internal/orchestrator/fixtures"
	"github.com/flowcore/orchestrator/internal/orchestrator/govern"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

type memInstances struct {
	mu           sync.Mutex
	byID         map[string]*instance.ProcessInstance
	correlations map[string][]string
	overdue      map[string][]string
}

func newMemInstances() *memInstances {
	return &memInstances{
		byID:         make(map[string]*instance.ProcessInstance),
		correlations: make(map[string][]string),
		overdue:      make(map[string][]string),
	}
}

func (m *memInstances) Get(_ context.Context, id string) (*instance.ProcessInstance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byID[id]
	return inst, ok, nil
}

func (m *memInstances) Save(_ context.Context, inst *instance.ProcessInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[inst.ID] = inst
	return nil
}

func (m *memInstances) FindByCorrelationID(_ context.Context, correlationID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.correlations[correlationID], nil
}

func (m *memInstances) RunningInstanceIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, inst := range m.byID {
		if inst.GetStatus() == instance.StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memInstances) OverdueObligations(_ context.Context, _ time.Time) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.overdue))
	for k, v := range m.overdue {
		out[k] = v
	}
	return out, nil
}

type memGraphs struct {
	mu   sync.Mutex
	byID map[string]*graph.ProcessGraph
}

func newMemGraphs(graphs ...*graph.ProcessGraph) *memGraphs {
	m := &memGraphs{byID: make(map[string]*graph.ProcessGraph)}
	for _, g := range graphs {
		m.byID[g.ID] = g
	}
	return m
}

func (m *memGraphs) Get(_ context.Context, id string, _ int) (*graph.ProcessGraph, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.byID[id]
	return g, ok, nil
}

// orderedExecutor records the order every node execution happened in,
// across all instances. Nodes named in pending report PENDING, the way a
// HUMAN_TASK handler hands completion off to an inbound event.
type orderedExecutor struct {
	mu      sync.Mutex
	order   []string
	pending map[string]bool
}

func (e *orderedExecutor) Execute(_ context.Context, req action.Request) action.Result {
	e.mu.Lock()
	e.order = append(e.order, req.InstanceID+"/"+req.NodeID)
	pending := e.pending[req.NodeID]
	e.mu.Unlock()
	if pending {
		return action.Result{Status: action.StatusPending}
	}
	return action.Result{Status: action.StatusSuccess, Output: map[string]any{"ok": true}}
}

func (e *orderedExecutor) markPending(nodeIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		e.pending = make(map[string]bool)
	}
	for _, id := range nodeIDs {
		e.pending[id] = true
	}
}

func (e *orderedExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

type processHarness struct {
	orch      *Orchestrator
	instances *memInstances
	graphs    *memGraphs
	executor  *orderedExecutor
	traces    *memTraceRepo
	logBuf    *bytes.Buffer
}

type memTraceRepo struct {
	mu     sync.Mutex
	traces []trace.DecisionTrace
}

func (r *memTraceRepo) Append(_ context.Context, t trace.DecisionTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, t)
	return nil
}

func (r *memTraceRepo) DeleteOlderThan(_ context.Context, _ time.Time) (int, error) { return 0, nil }

func (r *memTraceRepo) all() []trace.DecisionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trace.DecisionTrace(nil), r.traces...)
}

func newProcessHarness(t *testing.T, cfg Config, graphs ...*graph.ProcessGraph) *processHarness {
	t.Helper()

	ev := expression.NewExprEvaluator(0)
	executor := &orderedExecutor{}
	traces := &memTraceRepo{}
	instances := newMemInstances()
	graphRepo := newMemGraphs(graphs...)

	logBuf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	buildContext := func(_ context.Context, inst *instance.ProcessInstance, _ *graph.ProcessGraph, triggeringEvent *orchcontext.EventRecord) (*orchcontext.RuntimeContext, error) {
		nodeOutputs := make(map[string]map[string]any)
		for _, h := range inst.History() {
			if h.Status == instance.NodeStatusCompleted && h.Output != nil {
				nodeOutputs[h.NodeID] = h.Output
			}
		}
		return orchcontext.NewAssembler().Assemble("tenant", "", nil, nil, nodeOutputs, nil, nil, nil, triggeringEvent), nil
	}

	seq := 0
	tracer := trace.NewTracer(traces, func() string { seq++; return "t" }, logger, 0)
	cycleEng := cycle.New(
		buildContext,
		evaluate.NewEligibilityEvaluator(evaluate.NewNodeEvaluator(ev, nil, nil), evaluate.NewEdgeEvaluator(ev)),
		decide.NewDecider(0),
		govern.NewGovernor(govern.NewInMemoryIdempotencyStore(), nil, nil, 0),
		executor,
		tracer,
		func() string { return "exec" },
		nil,
	)

	orch := New(cfg, cycleEng, instances, graphRepo, logger)
	orch.SetTracer(tracer)
	return &processHarness{orch: orch, instances: instances, graphs: graphRepo, executor: executor, traces: traces, logBuf: logBuf}
}

func TestStart_RunsEntryCycleAndCachesStatus(t *testing.T) {
	g := fixtures.StraightThrough()
	h := newProcessHarness(t, DefaultConfig(), g)

	result, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)
	assert.Equal(t, cycle.ResultExecuted, result.Status)

	status, err := h.orch.GetStatus(context.Background(), "i1")
	require.NoError(t, err)
	assert.True(t, status.IsActive)
	assert.Equal(t, instance.StatusRunning, status.Instance.Status)
	assert.Equal(t, cycle.ResultExecuted, status.LastResult.Status)
}

func TestStart_UnknownGraphFails(t *testing.T) {
	h := newProcessHarness(t, DefaultConfig())
	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: "missing", GraphVersion: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph not found")
}

func TestEventLoop_DrivesInstanceToCompletion(t *testing.T) {
	g := fixtures.StraightThrough()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 50 * time.Millisecond
	h := newProcessHarness(t, cfg, g)

	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)
	defer h.orch.Stop()

	h.orch.Signal(Event{Type: EventNodeCompleted, InstanceID: "i1", Payload: map[string]any{"nodeId": "A"}, OccurredAt: time.Now()})
	h.orch.Signal(Event{Type: EventNodeCompleted, InstanceID: "i1", Payload: map[string]any{"nodeId": "B"}, OccurredAt: time.Now()})
	h.orch.Signal(Event{Type: EventNodeCompleted, InstanceID: "i1", Payload: map[string]any{"nodeId": "C"}, OccurredAt: time.Now()})

	require.Eventually(t, func() bool {
		inst, ok, _ := h.instances.Get(context.Background(), "i1")
		return ok && inst.GetStatus() == instance.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"i1/A", "i1/B", "i1/C"}, h.executor.executed(),
		"same-instance events must be processed in enqueue order")
}

func TestSuspendResumeLifecycle(t *testing.T) {
	g := fixtures.StraightThrough()
	h := newProcessHarness(t, DefaultConfig(), g)

	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)

	require.NoError(t, h.orch.Suspend(context.Background(), "i1"))
	inst, _, _ := h.instances.Get(context.Background(), "i1")
	assert.Equal(t, instance.StatusSuspended, inst.GetStatus())

	// Resume restores RUNNING and runs one cycle, executing B.
	result, err := h.orch.Resume(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, cycle.ResultExecuted, result.Status)
	assert.Equal(t, instance.StatusRunning, inst.GetStatus())
	assert.Contains(t, h.executor.executed(), "i1/B")
}

func TestCancelledInstanceDropsEventsWithWaitTrace(t *testing.T) {
	g := fixtures.StraightThrough()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 50 * time.Millisecond
	h := newProcessHarness(t, cfg, g)

	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)
	require.NoError(t, h.orch.Cancel(context.Background(), "i1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)
	defer h.orch.Stop()

	executedBefore := len(h.executor.executed())
	h.orch.Signal(Event{Type: EventNodeCompleted, InstanceID: "i1", Payload: map[string]any{"nodeId": "A"}, OccurredAt: time.Now()})

	require.Eventually(t, func() bool {
		for _, tr := range h.traces.all() {
			if tr.InstanceID == "i1" && tr.Error == "event dropped: instance cancelled" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, h.executor.executed(), executedBefore, "no execution after cancellation")
}

func TestSignal_QueueFullDropsNewest(t *testing.T) {
	g := fixtures.StraightThrough()
	cfg := Config{QueueCapacity: 1, EvaluationInterval: time.Hour, OverflowPolicy: OverflowDropNewest}
	h := newProcessHarness(t, cfg, g)

	// The loop is not running, so the first event fills the queue and the
	// second overflows.
	h.orch.Signal(Event{Type: EventDataChange, OccurredAt: time.Now()})
	h.orch.Signal(Event{Type: EventDataChange, OccurredAt: time.Now()})

	assert.Contains(t, h.logBuf.String(), "dropping event")
	assert.Contains(t, h.logBuf.String(), "queue full")
}

func TestFindAffectedInstances_RoutingRules(t *testing.T) {
	g := fixtures.StraightThrough()
	h := newProcessHarness(t, DefaultConfig(), g)

	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)
	_, err = h.orch.Start(context.Background(), StartRequest{InstanceID: "i2", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)
	h.instances.correlations["case-7"] = []string{"i2"}

	ctx := context.Background()

	// Instance-addressed events route to exactly that instance.
	assert.Equal(t, []string{"i1"}, h.orch.findAffectedInstances(ctx, Event{Type: EventNodeCompleted, InstanceID: "i1"}))
	assert.Equal(t, []string{"i1"}, h.orch.findAffectedInstances(ctx, Event{Type: EventApproval, InstanceID: "i1"}))
	assert.Empty(t, h.orch.findAffectedInstances(ctx, Event{Type: EventTimerExpired}))

	// DomainEvent: correlation id match wins over broadcast.
	assert.Equal(t, []string{"i2"}, h.orch.findAffectedInstances(ctx, Event{Type: EventDomainEvent, CorrelationID: "case-7"}))

	// DataChange without correlation broadcasts to every RUNNING instance.
	affected := h.orch.findAffectedInstances(ctx, Event{Type: EventDataChange})
	assert.ElementsMatch(t, []string{"i1", "i2"}, affected)

	// Broadcast skips non-running instances.
	require.NoError(t, h.orch.Cancel(ctx, "i1"))
	affected = h.orch.findAffectedInstances(ctx, Event{Type: EventDataChange})
	assert.Equal(t, []string{"i2"}, affected)
}

func TestPeriodicEvaluation_SynthesizesTimerExpired(t *testing.T) {
	g := fixtures.StraightThrough()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 30 * time.Millisecond
	h := newProcessHarness(t, cfg, g)

	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)
	h.instances.overdue["i1"] = []string{"obligation-9"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)
	defer h.orch.Stop()

	// The sweep fires on queue-poll timeout and the TimerExpired cycle
	// advances the instance (B becomes eligible after A).
	require.Eventually(t, func() bool {
		for _, e := range h.executor.executed() {
			if e == "i1/B" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestParallelJoin_ArrivalsAccumulateAcrossEvents(t *testing.T) {
	g := fixtures.JoinAll()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 50 * time.Millisecond
	h := newProcessHarness(t, cfg, g)

	inst := instance.New("i1", g.ID, g.Version, time.Now())
	for _, id := range []string{"CREATE_ACCOUNTS", "SHIP_EQUIPMENT", "VERIFY_I9"} {
		inst.EnterNode(id, time.Now(), 0, 1)
		inst.CompleteNode(id, time.Now(), nil)
	}
	require.NoError(t, h.instances.Save(context.Background(), inst))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)
	defer h.orch.Stop()

	for _, id := range []string{"CREATE_ACCOUNTS", "SHIP_EQUIPMENT"} {
		h.orch.Signal(Event{Type: EventNodeCompleted, InstanceID: "i1", Payload: map[string]any{"nodeId": id}, OccurredAt: time.Now()})
	}
	// Two of three arrivals: the join target must not run yet.
	time.Sleep(150 * time.Millisecond)
	assert.NotContains(t, h.executor.executed(), "i1/SCHEDULE_ORIENTATION")

	h.orch.Signal(Event{Type: EventNodeCompleted, InstanceID: "i1", Payload: map[string]any{"nodeId": "VERIFY_I9"}, OccurredAt: time.Now()})
	require.Eventually(t, func() bool {
		for _, e := range h.executor.executed() {
			if e == "i1/SCHEDULE_ORIENTATION" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// humanTaskGraph builds APPROVE (a pending HUMAN_TASK entry) followed by a
// synchronous NEXT node.
func humanTaskGraph() *graph.ProcessGraph {
	nodes := []graph.Node{
		{ID: "APPROVE", Action: graph.Action{Type: graph.ActionHumanTask, HandlerRef: "approval"}},
		{ID: "NEXT"},
	}
	edges := []graph.Edge{{
		ID: "APPROVE->NEXT", SourceNodeID: "APPROVE", TargetNodeID: "NEXT",
		GuardConditions: graph.GuardConditions{Context: []string{"true"}},
		Priority:        graph.Priority{Weight: 10},
	}}
	return graph.New("human-approval", 1, graph.StatusPublished, nodes, edges, []string{"APPROVE"}, []string{"NEXT"}, nil)
}

func TestApprovalEventCompletesPendingNodeAndAdvances(t *testing.T) {
	g := humanTaskGraph()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 50 * time.Millisecond
	h := newProcessHarness(t, cfg, g)
	h.executor.markPending("APPROVE")

	result, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)
	assert.Equal(t, cycle.ResultWaiting, result.Status)

	inst, _, _ := h.instances.Get(context.Background(), "i1")
	require.True(t, inst.IsActive("APPROVE"), "human task stays in flight until its approval arrives")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)
	defer h.orch.Stop()

	h.orch.Signal(Event{
		Type: EventApproval, InstanceID: "i1",
		Payload:    map[string]any{"nodeId": "APPROVE", "decision": "APPROVED", "approver": "lee"},
		OccurredAt: time.Now(),
	})

	require.Eventually(t, func() bool {
		for _, e := range h.executor.executed() {
			if e == "i1/NEXT" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "approval must complete the pending node and unblock its successor")

	assert.False(t, inst.IsActive("APPROVE"))
	assert.True(t, inst.HasCompleted("APPROVE"))
	assert.Equal(t, "lee", inst.LatestOutput("APPROVE")["approver"])
}

func TestNodeCompletedEventCompletesPendingNode(t *testing.T) {
	g := humanTaskGraph()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 50 * time.Millisecond
	h := newProcessHarness(t, cfg, g)
	h.executor.markPending("APPROVE")

	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)
	defer h.orch.Stop()

	h.orch.Signal(Event{
		Type: EventNodeCompleted, InstanceID: "i1",
		Payload:    map[string]any{"nodeId": "APPROVE", "result": map[string]any{"document": "signed"}},
		OccurredAt: time.Now(),
	})

	require.Eventually(t, func() bool {
		inst, ok, _ := h.instances.Get(context.Background(), "i1")
		return ok && inst.HasCompleted("APPROVE")
	}, 2*time.Second, 10*time.Millisecond)

	inst, _, _ := h.instances.Get(context.Background(), "i1")
	assert.Equal(t, "signed", inst.LatestOutput("APPROVE")["document"])
}

func TestApprovalRejectionFailsPendingNode(t *testing.T) {
	g := humanTaskGraph()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 50 * time.Millisecond
	h := newProcessHarness(t, cfg, g)
	h.executor.markPending("APPROVE")

	_, err := h.orch.Start(context.Background(), StartRequest{InstanceID: "i1", GraphID: g.ID, GraphVersion: g.Version})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)
	defer h.orch.Stop()

	h.orch.Signal(Event{
		Type: EventApproval, InstanceID: "i1",
		Payload:    map[string]any{"nodeId": "APPROVE", "decision": "REJECTED"},
		OccurredAt: time.Now(),
	})

	require.Eventually(t, func() bool {
		inst, ok, _ := h.instances.Get(context.Background(), "i1")
		return ok && !inst.IsActive("APPROVE")
	}, 2*time.Second, 10*time.Millisecond)

	inst, _, _ := h.instances.Get(context.Background(), "i1")
	assert.False(t, inst.HasCompleted("APPROVE"))
	for _, e := range h.executor.executed() {
		assert.NotEqual(t, "i1/NEXT", e, "a rejected approval must not advance to the successor")
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	g := fixtures.StraightThrough()
	h := newProcessHarness(t, DefaultConfig(), g)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	h.orch.Stop()
	h.orch.Stop()
}
