package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/pkg/executor"
)

type recordingExecutor struct {
	calls  int
	result Result
}

func (r *recordingExecutor) Execute(_ context.Context, _ Request) Result {
	r.calls++
	return r.result
}

func TestRegistry_ResolvesByTypeAndHandlerRef(t *testing.T) {
	reg := NewRegistry(nil)
	human := &recordingExecutor{result: Result{Status: StatusPending}}
	reg.RegisterHandler(graph.ActionHumanTask, "approve-documents", human)

	result := reg.Execute(context.Background(), Request{
		NodeID: "n1",
		Action: graph.Action{Type: graph.ActionHumanTask, HandlerRef: "approve-documents"},
	})

	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, 1, human.calls)
}

func TestRegistry_UnknownHandlerFails(t *testing.T) {
	reg := NewRegistry(nil)
	result := reg.Execute(context.Background(), Request{
		Action: graph.Action{Type: graph.ActionComposite, HandlerRef: "nope"},
	})
	require.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "no handler registered")
}

func TestRegistry_SystemInvocationBridgesToExecutorManager(t *testing.T) {
	manager := executor.NewManager()
	require.NoError(t, manager.Register("echo", &executor.ExecutorFunc{
		ExecuteFn: func(_ context.Context, config map[string]any, input any) (any, error) {
			return map[string]any{"echoed": config["value"]}, nil
		},
	}))

	reg := NewRegistry(manager)
	result := reg.Execute(context.Background(), Request{
		InstanceID: "i1", NodeID: "n1",
		Action: graph.Action{Type: graph.ActionSystemInvocation, HandlerRef: "echo", Config: map[string]any{"value": "hi"}},
	})

	require.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hi", result.Output["echoed"])
}

func TestRegistry_ManagerErrorIsRetryableFailure(t *testing.T) {
	manager := executor.NewManager()
	require.NoError(t, manager.Register("flaky", &executor.ExecutorFunc{
		ExecuteFn: func(_ context.Context, _ map[string]any, _ any) (any, error) {
			return nil, errors.New("upstream unavailable")
		},
	}))

	reg := NewRegistry(manager)
	result := reg.Execute(context.Background(), Request{
		Action: graph.Action{Type: graph.ActionSystemInvocation, HandlerRef: "flaky"},
	})

	require.Equal(t, StatusFailed, result.Status)
	assert.True(t, result.Retryable)
	assert.Contains(t, result.Error, "upstream unavailable")
}

func TestRegistry_NonMapOutputIsWrapped(t *testing.T) {
	manager := executor.NewManager()
	require.NoError(t, manager.Register("scalar", &executor.ExecutorFunc{
		ExecuteFn: func(_ context.Context, _ map[string]any, _ any) (any, error) {
			return 42, nil
		},
	}))

	reg := NewRegistry(manager)
	result := reg.Execute(context.Background(), Request{
		Action: graph.Action{Type: graph.ActionSystemInvocation, HandlerRef: "scalar"},
	})

	require.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 42, result.Output["result"])
}

func TestRegistry_TypeScopedHandlerWinsOverManager(t *testing.T) {
	manager := executor.NewManager()
	require.NoError(t, manager.Register("dual", &executor.ExecutorFunc{
		ExecuteFn: func(_ context.Context, _ map[string]any, _ any) (any, error) {
			return map[string]any{"from": "manager"}, nil
		},
	}))

	scoped := &recordingExecutor{result: Result{Status: StatusSuccess, Output: map[string]any{"from": "scoped"}}}
	reg := NewRegistry(manager)
	reg.RegisterHandler(graph.ActionSystemInvocation, "dual", scoped)

	result := reg.Execute(context.Background(), Request{
		Action: graph.Action{Type: graph.ActionSystemInvocation, HandlerRef: "dual"},
	})

	assert.Equal(t, "scoped", result.Output["from"])
	assert.Equal(t, 1, scoped.calls)
}
