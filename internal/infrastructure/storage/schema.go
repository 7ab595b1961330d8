package storage

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/flowcore/orchestrator/internal/infrastructure/storage/models"
)

// CreateSchema creates the orchestrator's tables and indexes if they do not
// exist. Production deployments run proper migrations; this covers local
// development and integration tests.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.ProcessGraphModel)(nil),
		(*models.ProcessInstanceModel)(nil),
		(*models.ObligationModel)(nil),
		(*models.DecisionTraceModel)(nil),
	}
	for _, table := range tables {
		if _, err := db.NewCreateTable().Model(table).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []struct {
		name    string
		model   interface{}
		columns []string
	}{
		{"idx_process_instances_correlation", (*models.ProcessInstanceModel)(nil), []string{"correlation_id"}},
		{"idx_process_instances_status", (*models.ProcessInstanceModel)(nil), []string{"status"}},
		{"idx_obligations_due", (*models.ObligationModel)(nil), []string{"satisfied", "due_at"}},
		{"idx_decision_traces_instance_ts", (*models.DecisionTraceModel)(nil), []string{"instance_id", "timestamp"}},
		{"idx_decision_traces_instance_type", (*models.DecisionTraceModel)(nil), []string{"instance_id", "type"}},
	}
	for _, idx := range indexes {
		q := db.NewCreateIndex().Model(idx.model).Index(idx.name).IfNotExists()
		for _, col := range idx.columns {
			q = q.Column(col)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}
