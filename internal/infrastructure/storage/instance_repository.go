package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/flowcore/orchestrator/internal/infrastructure/storage/models"
	"github.com/flowcore/orchestrator/internal/orchestrator/instance"
	"github.com/flowcore/orchestrator/internal/orchestrator/ports"
)

// Ensure InstanceRepository implements the port
var _ ports.ProcessInstanceRepository = (*InstanceRepository)(nil)

// InstanceRepository implements ports.ProcessInstanceRepository using Bun ORM.
type InstanceRepository struct {
	db *bun.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *bun.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// FindByID retrieves an instance by id.
func (r *InstanceRepository) FindByID(ctx context.Context, id string) (*instance.ProcessInstance, bool, error) {
	model := &models.ProcessInstanceModel{}
	err := r.db.NewSelect().
		Model(model).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to find instance: %w", err)
	}
	return models.ToProcessInstance(model), true, nil
}

// FindByCorrelationID retrieves instances sharing a correlation id.
func (r *InstanceRepository) FindByCorrelationID(ctx context.Context, correlationID string) ([]*instance.ProcessInstance, error) {
	var rows []*models.ProcessInstanceModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("correlation_id = ?", correlationID).
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find instances by correlation: %w", err)
	}
	return toInstances(rows), nil
}

// FindByStatus retrieves instances in the given lifecycle status.
func (r *InstanceRepository) FindByStatus(ctx context.Context, status instance.Status) ([]*instance.ProcessInstance, error) {
	var rows []*models.ProcessInstanceModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("status = ?", string(status)).
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find instances by status: %w", err)
	}
	return toInstances(rows), nil
}

// FindRunning retrieves all RUNNING instances.
func (r *InstanceRepository) FindRunning(ctx context.Context) ([]*instance.ProcessInstance, error) {
	return r.FindByStatus(ctx, instance.StatusRunning)
}

// Save upserts the instance's current snapshot, keyed by id.
func (r *InstanceRepository) Save(ctx context.Context, inst *instance.ProcessInstance) error {
	model := models.FromProcessInstance(inst.Snapshot())
	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("active_node_ids = EXCLUDED.active_node_ids").
		Set("history = EXCLUDED.history").
		Set("domain_payload = EXCLUDED.domain_payload").
		Set("ended_at = EXCLUDED.ended_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func toInstances(rows []*models.ProcessInstanceModel) []*instance.ProcessInstance {
	out := make([]*instance.ProcessInstance, 0, len(rows))
	for _, m := range rows {
		out = append(out, models.ToProcessInstance(m))
	}
	return out
}

// ObligationRepository persists deadline-bearing obligations scanned by the
// periodic sweep.
type ObligationRepository struct {
	db *bun.DB
}

// NewObligationRepository creates a new ObligationRepository.
func NewObligationRepository(db *bun.DB) *ObligationRepository {
	return &ObligationRepository{db: db}
}

// Save upserts an obligation keyed by id.
func (r *ObligationRepository) Save(ctx context.Context, ob *models.ObligationModel) error {
	_, err := r.db.NewInsert().
		Model(ob).
		On("CONFLICT (id) DO UPDATE").
		Set("due_at = EXCLUDED.due_at").
		Set("satisfied = EXCLUDED.satisfied").
		Set("metadata = EXCLUDED.metadata").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save obligation: %w", err)
	}
	return nil
}

// Satisfy marks an obligation satisfied.
func (r *ObligationRepository) Satisfy(ctx context.Context, id string) error {
	_, err := r.db.NewUpdate().
		Model((*models.ObligationModel)(nil)).
		Set("satisfied = true").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to satisfy obligation: %w", err)
	}
	return nil
}

// ForInstance lists the unsatisfied obligations tracked for an instance.
func (r *ObligationRepository) ForInstance(ctx context.Context, instanceID string) ([]*models.ObligationModel, error) {
	var rows []*models.ObligationModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("instance_id = ? AND satisfied = false", instanceID).
		Order("due_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list obligations: %w", err)
	}
	return rows, nil
}

// Overdue returns, per instance, the unsatisfied obligation ids past their
// deadline as of now.
func (r *ObligationRepository) Overdue(ctx context.Context, now time.Time) (map[string][]string, error) {
	var rows []*models.ObligationModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("satisfied = false AND due_at < ?", now).
		Order("due_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue obligations: %w", err)
	}
	out := make(map[string][]string)
	for _, ob := range rows {
		out[ob.InstanceID] = append(out[ob.InstanceID], ob.ID)
	}
	return out, nil
}
