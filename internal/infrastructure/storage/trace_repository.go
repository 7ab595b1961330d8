package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/flowcore/orchestrator/internal/infrastructure/storage/models"
	"github.com/flowcore/orchestrator/internal/orchestrator/ports"
	"github.com/flowcore/orchestrator/internal/orchestrator/trace"
)

// Ensure TraceRepository implements both the full query port and the
// narrower append-only port the Tracer writes through.
var (
	_ ports.DecisionTraceRepository = (*TraceRepository)(nil)
	_ trace.Repository              = (*TraceRepository)(nil)
)

// TraceRepository implements the decision-trace persistence ports using Bun
// ORM. Traces are append-only; nothing here updates a stored row.
type TraceRepository struct {
	db *bun.DB
}

// NewTraceRepository creates a new TraceRepository.
func NewTraceRepository(db *bun.DB) *TraceRepository {
	return &TraceRepository{db: db}
}

// Append inserts one trace (the trace.Repository port).
func (r *TraceRepository) Append(ctx context.Context, t trace.DecisionTrace) error {
	return r.Save(ctx, t)
}

// Save inserts one trace (the ports.DecisionTraceRepository port).
func (r *TraceRepository) Save(ctx context.Context, t trace.DecisionTrace) error {
	_, err := r.db.NewInsert().
		Model(models.FromDecisionTrace(t)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to append trace: %w", err)
	}
	return nil
}

// FindByID retrieves one trace by id.
func (r *TraceRepository) FindByID(ctx context.Context, id string) (*trace.DecisionTrace, bool, error) {
	model := &models.DecisionTraceModel{}
	err := r.db.NewSelect().
		Model(model).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to find trace: %w", err)
	}
	t := models.ToDecisionTrace(model)
	return &t, true, nil
}

// FindByInstanceID retrieves every trace for an instance, oldest first.
func (r *TraceRepository) FindByInstanceID(ctx context.Context, instanceID string) ([]trace.DecisionTrace, error) {
	var rows []*models.DecisionTraceModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("instance_id = ?", instanceID).
		Order("timestamp ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find traces: %w", err)
	}
	return toTraces(rows), nil
}

// FindByInstanceIDAndTimeRange retrieves an instance's traces within [from, to].
func (r *TraceRepository) FindByInstanceIDAndTimeRange(ctx context.Context, instanceID string, from, to time.Time) ([]trace.DecisionTrace, error) {
	var rows []*models.DecisionTraceModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("instance_id = ? AND timestamp >= ? AND timestamp <= ?", instanceID, from, to).
		Order("timestamp ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find traces in range: %w", err)
	}
	return toTraces(rows), nil
}

// FindLatestByInstanceID retrieves an instance's most recent trace.
func (r *TraceRepository) FindLatestByInstanceID(ctx context.Context, instanceID string) (*trace.DecisionTrace, bool, error) {
	model := &models.DecisionTraceModel{}
	err := r.db.NewSelect().
		Model(model).
		Where("instance_id = ?", instanceID).
		Order("timestamp DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to find latest trace: %w", err)
	}
	t := models.ToDecisionTrace(model)
	return &t, true, nil
}

// FindByInstanceIDAndType retrieves an instance's traces of one type.
func (r *TraceRepository) FindByInstanceIDAndType(ctx context.Context, instanceID string, typ trace.Type) ([]trace.DecisionTrace, error) {
	var rows []*models.DecisionTraceModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("instance_id = ? AND type = ?", instanceID, string(typ)).
		Order("timestamp ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find traces by type: %w", err)
	}
	return toTraces(rows), nil
}

// CountByInstanceID counts an instance's traces.
func (r *TraceRepository) CountByInstanceID(ctx context.Context, instanceID string) (int, error) {
	count, err := r.db.NewSelect().
		Model((*models.DecisionTraceModel)(nil)).
		Where("instance_id = ?", instanceID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count traces: %w", err)
	}
	return count, nil
}

// DeleteOlderThan prunes traces older than cutoff, returning how many rows
// were removed.
func (r *TraceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.NewDelete().
		Model((*models.DecisionTraceModel)(nil)).
		Where("timestamp < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune traces: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func toTraces(rows []*models.DecisionTraceModel) []trace.DecisionTrace {
	out := make([]trace.DecisionTrace, 0, len(rows))
	for _, m := range rows {
		out = append(out, models.ToDecisionTrace(m))
	}
	return out
}
