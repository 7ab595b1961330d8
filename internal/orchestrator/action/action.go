// Package action defines the ActionExecutor port the InstanceOrchestrator
// dispatches to after governance approves a node, plus a registry adapter
// over the existing pkg/executor.Manager so handlers are resolved by
// node.action.type + node.action.handlerRef instead of a single flat type
// string.
package action

import (
	"context"
	"fmt"

	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/pkg/executor"
)

// ResultStatus is the terminal or pending status of one action execution.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "SUCCESS"
	StatusFailed  ResultStatus = "FAILED"
	StatusPending ResultStatus = "PENDING"
)

// Result is the outcome of one ActionExecutor.Execute call.
type Result struct {
	Status    ResultStatus
	Output    map[string]any
	Error     string
	Retryable bool
}

// Request carries everything a handler needs: the node's action
// configuration plus the flattened evaluation environment for the current
// cycle (the handler never sees the mutable instance or graph directly).
type Request struct {
	InstanceID string
	NodeID     string
	Action     graph.Action
	Env        map[string]any
}

// Executor is the ActionExecutor port.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Registry resolves a Request's (action.Type, action.HandlerRef) to a
// concrete Executor, falling back to handlerRef alone when no type-scoped
// registration exists. HUMAN_TASK and long-running AGENT_ASSISTED handlers
// are expected to return StatusPending immediately; their completion
// arrives later as a NodeCompleted/Approval event routed by the process
// scheduler, not through a second call to Execute.
type Registry struct {
	manager executor.Manager
	byType  map[graph.ActionType]map[string]Executor
}

// NewRegistry wraps an existing pkg/executor.Manager (SYSTEM_INVOCATION
// handlers resolve through it by handlerRef) and accepts additional
// type-scoped handlers for HUMAN_TASK/AGENT_ASSISTED/COMPOSITE actions.
func NewRegistry(manager executor.Manager) *Registry {
	return &Registry{manager: manager, byType: make(map[graph.ActionType]map[string]Executor)}
}

// RegisterHandler adds a handler scoped to (actionType, handlerRef).
func (r *Registry) RegisterHandler(actionType graph.ActionType, handlerRef string, exec Executor) {
	m, ok := r.byType[actionType]
	if !ok {
		m = make(map[string]Executor)
		r.byType[actionType] = m
	}
	m[handlerRef] = exec
}

// Execute resolves req.Action and dispatches to the matching handler.
func (r *Registry) Execute(ctx context.Context, req Request) Result {
	if m, ok := r.byType[req.Action.Type]; ok {
		if exec, ok := m[req.Action.HandlerRef]; ok {
			return exec.Execute(ctx, req)
		}
	}

	if req.Action.Type == graph.ActionSystemInvocation && r.manager != nil {
		return r.executeViaPkgExecutor(ctx, req)
	}

	return Result{Status: StatusFailed, Error: fmt.Sprintf("no handler registered for action type %s handlerRef %s", req.Action.Type, req.Action.HandlerRef)}
}

// executeViaPkgExecutor bridges to the pkg/executor registry used by the
// synchronous SYSTEM_INVOCATION handlers (http, transform, function_call,
// html_clean, ...). Handler config goes through template resolution first,
// so a node's action.config may reference the evaluation environment with
// {{...}} placeholders.
func (r *Registry) executeViaPkgExecutor(ctx context.Context, req Request) Result {
	exec, err := r.manager.Get(req.Action.HandlerRef)
	if err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}
	}

	execCtx := &executor.ExecutionContextData{
		ExecutionVariables: req.Env,
		ParentNodeOutput:   req.Env,
	}
	if entities, ok := req.Env["entities"].(map[string]map[string]any); ok {
		entityState := make(map[string]any, len(entities))
		for nodeID, out := range entities {
			entityState[nodeID] = out
		}
		execCtx.EntityState = entityState
	}
	engine := executor.NewTemplateEngine(execCtx)
	wrapped := executor.NewTemplateExecutorWrapper(exec, engine)

	output, err := wrapped.Execute(ctx, req.Action.Config, req.Env)
	if err != nil {
		return Result{Status: StatusFailed, Error: err.Error(), Retryable: true}
	}
	asMap, ok := output.(map[string]any)
	if !ok {
		asMap = map[string]any{"result": output}
	}
	return Result{Status: StatusSuccess, Output: asMap}
}
