package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/replybot/internal/bot/tasks"
	"github.com/edgard/replybot/internal/config"
	"github.com/edgard/replybot/internal/logger"
	"github.com/edgard/replybot/internal/metrics"
)

// Scheduler runs the registered tasks on their configured cron schedules.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       config.SchedulerConfig
	taskMap   map[string]tasks.ScheduledTaskFunc
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. Nothing runs until Start.
func NewScheduler(log *slog.Logger, cfg config.SchedulerConfig, taskMap map[string]tasks.ScheduledTaskFunc, m *metrics.Metrics) (*Scheduler, error) {
	if log == nil {
		log = logger.Discard()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		logger:    log.With("component", "scheduler"),
		cfg:       cfg,
		taskMap:   taskMap,
		metrics:   m,
	}, nil
}

// Start registers every enabled task and starts ticking. Tasks configured
// without a registered implementation are skipped. An invalid schedule is an
// error and leaves the scheduler unusable.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())

	names := make([]string, 0, len(s.cfg.Tasks))
	for name := range s.cfg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	scheduled := 0
	for _, name := range names {
		taskCfg := s.cfg.Tasks[name]
		if !taskCfg.Enabled {
			s.logger.Info("Skipping disabled task", "task_name", name)
			continue
		}
		taskFunc, ok := s.taskMap[name]
		if !ok {
			s.logger.Warn("Scheduled task configured but not found in registry, skipping", "task_name", name)
			continue
		}

		_, err := s.scheduler.NewJob(
			gocron.CronJob(taskCfg.Schedule, true),
			gocron.NewTask(s.wrap(taskFunc), ctx, name),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			if shutdownErr := s.scheduler.Shutdown(); shutdownErr != nil {
				s.logger.Warn("Failed to release scheduler", "error", shutdownErr)
			}
			return fmt.Errorf("failed to schedule task %q with schedule %q: %w", name, taskCfg.Schedule, err)
		}
		s.logger.Info("Scheduled task", "task_name", name, "schedule", taskCfg.Schedule)
		scheduled++
	}

	s.scheduler.Start()
	s.cancel = cancel
	s.running = true
	s.logger.Info("Scheduler started", "tasks_scheduled", scheduled)
	return nil
}

func (s *Scheduler) wrap(task tasks.ScheduledTaskFunc) func(ctx context.Context, name string) {
	return func(ctx context.Context, name string) {
		start := time.Now()
		s.logger.Debug("Running scheduled task", "task_name", name)
		err := task(ctx)
		s.metrics.RecordTask(name, err)
		if err != nil {
			s.logger.Error("Scheduled task failed", "task_name", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("Finished scheduled task", "task_name", name, "duration", time.Since(start))
	}
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()
	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped")
	}
	s.running = false
	return err
}
