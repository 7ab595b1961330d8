package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// TracePruner is the slice of the decision tracer the maintenance
// scheduler drives.
type TracePruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// DefaultPruneSpec runs retention pruning daily at 03:10 UTC.
const DefaultPruneSpec = "0 10 3 * * *"

// MaintenanceScheduler runs the recurring housekeeping jobs around the
// orchestrator: decision-trace retention pruning today, with room for more.
type MaintenanceScheduler struct {
	cron      *cron.Cron
	pruner    TracePruner
	retention time.Duration
	logger    *slog.Logger
}

// MaintenanceSchedulerConfig holds configuration for the scheduler.
type MaintenanceSchedulerConfig struct {
	Pruner    TracePruner
	Retention time.Duration
	PruneSpec string
	Logger    *slog.Logger
}

// NewMaintenanceScheduler creates the scheduler and registers its jobs.
func NewMaintenanceScheduler(cfg MaintenanceSchedulerConfig) (*MaintenanceScheduler, error) {
	// Second precision and UTC, matching the event timestamps traces carry.
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	ms := &MaintenanceScheduler{
		cron:      c,
		pruner:    cfg.Pruner,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}

	spec := cfg.PruneSpec
	if spec == "" {
		spec = DefaultPruneSpec
	}
	if _, err := c.AddFunc(spec, ms.pruneTraces); err != nil {
		return nil, err
	}
	return ms, nil
}

// Start begins running scheduled jobs.
func (ms *MaintenanceScheduler) Start() {
	ms.cron.Start()
}

// Stop stops the scheduler, waiting for any running job to complete.
func (ms *MaintenanceScheduler) Stop() {
	ctx := ms.cron.Stop()
	<-ctx.Done()
}

// PruneTracesNow runs one retention pass immediately, outside the schedule.
func (ms *MaintenanceScheduler) PruneTracesNow(ctx context.Context) (int, error) {
	return ms.pruner.DeleteOlderThan(ctx, time.Now().Add(-ms.retention))
}

func (ms *MaintenanceScheduler) pruneTraces() {
	deleted, err := ms.PruneTracesNow(context.Background())
	if err != nil {
		if ms.logger != nil {
			ms.logger.Error("trace retention pruning failed", slog.Any("error", err))
		}
		return
	}
	if deleted > 0 && ms.logger != nil {
		ms.logger.Info("pruned decision traces", slog.Int("deleted", deleted))
	}
}
