package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/domain/recovery"
	"github.com/ficheops/control-plane/domain/runner"
	"github.com/ficheops/control-plane/domain/runnerhosts"
)

// Module provides the cron-backed scheduler and its sweeps: due fiches,
// overdue commis jobs, and expired enrollment tokens.
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams are the dependencies for registering the scheduled tasks.
// Depending on recovery.Done keeps the first sweep behind the startup
// recovery pass.
type TaskParams struct {
	fx.In

	Scheduler   *Scheduler
	Log         *slog.Logger
	Cfg         *Config
	FicheRepo   *fiches.Repository
	CourseRepo  *courses.Repository
	RunnerHosts *runnerhosts.Repository
	Runner      *runner.Runner
	Recovery    recovery.Done
}

// RegisterTasks registers all scheduled tasks.
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	sweep := NewFicheSweepTask(p.FicheRepo, p.Runner, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "fiche_sweep",
		p.Cfg.FicheSweepSchedule, p.Cfg.FicheSweepInterval, sweep.Run); err != nil {
		p.Log.Error("failed to register fiche sweep", slog.String("error", err.Error()))
	}

	timeout := NewCommisTimeoutSweepTask(p.CourseRepo, p.Cfg.CommisOverdueAfter, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "commis_timeout_sweep",
		"", p.Cfg.CommisTimeoutSweepInterval, timeout.Run); err != nil {
		p.Log.Error("failed to register commis timeout sweep", slog.String("error", err.Error()))
	}

	cleanup := NewTokenCleanupTask(p.RunnerHosts, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "token_cleanup",
		p.Cfg.TokenCleanupSchedule, p.Cfg.TokenCleanupInterval, cleanup.Run); err != nil {
		p.Log.Error("failed to register token cleanup", slog.String("error", err.Error()))
	}

	p.Log.Info("registered scheduled tasks", slog.Any("tasks", p.Scheduler.ListTasks()))
	return nil
}

// addScheduledTask registers a task by cron schedule when provided, falling
// back to the interval on an invalid expression.
func addScheduledTask(s *Scheduler, log *slog.Logger, name, cronSchedule string, interval time.Duration, task TaskFunc) error {
	if cronSchedule != "" {
		if err := s.AddCronTask(name, cronSchedule, task); err != nil {
			log.Warn("invalid cron schedule, falling back to interval",
				slog.String("name", name),
				slog.String("schedule", cronSchedule),
				slog.Duration("interval", interval),
				slog.String("error", err.Error()))
			return s.AddIntervalTask(name, interval, task)
		}
		return nil
	}
	return s.AddIntervalTask(name, interval, task)
}

// RegisterSchedulerLifecycle starts and stops the scheduler with the app.
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
