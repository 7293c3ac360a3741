package tasks

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/replybot/internal/config"
	"github.com/edgard/replybot/internal/logger"
)

// ScheduledTaskFunc defines the standard signature for all scheduled tasks.
// The context provided by the scheduler should be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks returns the task functions keyed by the names used in the
// scheduler.tasks configuration section.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Config == nil {
		deps.Config = &config.Config{}
	}

	tasks := map[string]ScheduledTaskFunc{
		config.TaskQuotaReset:     newQuotaResetTask(deps),
		config.TaskReceiptPrune:   newReceiptPruneTask(deps),
		config.TaskSQLMaintenance: newSQLMaintenanceTask(deps),
	}
	if deps.Instances != nil && deps.Gateway != nil {
		tasks[config.TaskStatusPoll] = newStatusPollTask(deps)
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}

// defaultLocation resolves the configured rules timezone, falling back to UTC.
func defaultLocation(cfg *config.Config) *time.Location {
	if cfg.Rules.DefaultTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(cfg.Rules.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
