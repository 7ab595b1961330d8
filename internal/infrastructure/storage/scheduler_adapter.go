package storage

import (
	"context"
	"time"

	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/process"
)

// Ensure the adapters satisfy the scheduler's narrower ports
var (
	_ process.InstanceRepository = (*SchedulerInstanceAdapter)(nil)
	_ process.GraphRepository    = (*SchedulerGraphAdapter)(nil)
)

// SchedulerInstanceAdapter narrows InstanceRepository + ObligationRepository
// to the view the process scheduler routes and sweeps against.
type SchedulerInstanceAdapter struct {
	Instances   *InstanceRepository
	Obligations *ObligationRepository
}

func NewSchedulerInstanceAdapter(instances *InstanceRepository, obligations *ObligationRepository) *SchedulerInstanceAdapter {
	return &SchedulerInstanceAdapter{Instances: instances, Obligations: obligations}
}

func (a *SchedulerInstanceAdapter) Get(ctx context.Context, id string) (*instance.ProcessInstance, bool, error) {
	return a.Instances.FindByID(ctx, id)
}

func (a *SchedulerInstanceAdapter) Save(ctx context.Context, inst *instance.ProcessInstance) error {
	return a.Instances.Save(ctx, inst)
}

func (a *SchedulerInstanceAdapter) FindByCorrelationID(ctx context.Context, correlationID string) ([]string, error) {
	instances, err := a.Instances.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

func (a *SchedulerInstanceAdapter) RunningInstanceIDs(ctx context.Context) ([]string, error) {
	instances, err := a.Instances.FindRunning(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

func (a *SchedulerInstanceAdapter) OverdueObligations(ctx context.Context, now time.Time) (map[string][]string, error) {
	if a.Obligations == nil {
		return nil, nil
	}
	return a.Obligations.Overdue(ctx, now)
}

// SchedulerGraphAdapter narrows GraphRepository to the single lookup the
// scheduler performs per cycle. Version 0 means "latest".
type SchedulerGraphAdapter struct {
	Graphs *GraphRepository
}

func NewSchedulerGraphAdapter(graphs *GraphRepository) *SchedulerGraphAdapter {
	return &SchedulerGraphAdapter{Graphs: graphs}
}

func (a *SchedulerGraphAdapter) Get(ctx context.Context, id string, version int) (*graph.ProcessGraph, bool, error) {
	if version <= 0 {
		return a.Graphs.FindLatestVersion(ctx, id)
	}
	return a.Graphs.FindByIDAndVersion(ctx, id, version)
}
