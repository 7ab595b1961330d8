// Package storage implements the orchestrator's repository ports on
// PostgreSQL via Bun ORM.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/flowcore/orchestrator/internal/infrastructure/storage/models"
	"github.com/flowcore/orchestrator/internal/orchestrator/graph"
	"github.com/flowcore/orchestrator/internal/orchestrator/ports"
)

// Ensure GraphRepository implements the port
var _ ports.ProcessGraphRepository = (*GraphRepository)(nil)

// GraphRepository implements ports.ProcessGraphRepository using Bun ORM.
type GraphRepository struct {
	db *bun.DB
}

// NewGraphRepository creates a new GraphRepository.
func NewGraphRepository(db *bun.DB) *GraphRepository {
	return &GraphRepository{db: db}
}

// FindLatestVersion retrieves the highest version of a graph by id.
func (r *GraphRepository) FindLatestVersion(ctx context.Context, id string) (*graph.ProcessGraph, bool, error) {
	model := &models.ProcessGraphModel{}
	err := r.db.NewSelect().
		Model(model).
		Where("id = ?", id).
		Order("version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to find graph: %w", err)
	}
	return models.ToProcessGraph(model), true, nil
}

// FindByIDAndVersion retrieves a specific graph version.
func (r *GraphRepository) FindByIDAndVersion(ctx context.Context, id string, version int) (*graph.ProcessGraph, bool, error) {
	model := &models.ProcessGraphModel{}
	err := r.db.NewSelect().
		Model(model).
		Where("id = ? AND version = ?", id, version).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to find graph version: %w", err)
	}
	return models.ToProcessGraph(model), true, nil
}

// FindByStatus retrieves every graph in the given publication status.
func (r *GraphRepository) FindByStatus(ctx context.Context, status graph.GraphStatus) ([]*graph.ProcessGraph, error) {
	var rows []*models.ProcessGraphModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("status = ?", string(status)).
		Order("id ASC", "version ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find graphs by status: %w", err)
	}
	graphs := make([]*graph.ProcessGraph, 0, len(rows))
	for _, m := range rows {
		graphs = append(graphs, models.ToProcessGraph(m))
	}
	return graphs, nil
}

// Save upserts a graph keyed by (id, version).
func (r *GraphRepository) Save(ctx context.Context, g *graph.ProcessGraph) error {
	model := models.FromProcessGraph(g)
	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (id, version) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("nodes = EXCLUDED.nodes").
		Set("edges = EXCLUDED.edges").
		Set("entry_node_ids = EXCLUDED.entry_node_ids").
		Set("terminal_node_ids = EXCLUDED.terminal_node_ids").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = current_timestamp").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}
	return nil
}

// DeleteByID removes all versions of a graph.
func (r *GraphRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.NewDelete().
		Model((*models.ProcessGraphModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete graph: %w", err)
	}
	return nil
}
