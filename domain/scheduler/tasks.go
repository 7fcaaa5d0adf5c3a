package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/pkg/logger"
)

// CourseStarter starts a schedule-triggered course for a due fiche.
// Satisfied by *runner.Runner.
type CourseStarter interface {
	StartScheduledCourse(ctx context.Context, f *fiches.Fiche) (*courses.Course, error)
}

// FicheStore is the fiche persistence surface the sweep needs. Satisfied by
// *fiches.Repository.
type FicheStore interface {
	DueFiches(ctx context.Context) ([]*fiches.Fiche, error)
	UpdateFicheSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error
}

// FicheSweepTask starts courses for fiches whose next_run_at has passed and
// advances their schedules.
type FicheSweepTask struct {
	store   FicheStore
	starter CourseStarter
	log     *slog.Logger
}

// NewFicheSweepTask creates the schedule sweep.
func NewFicheSweepTask(store FicheStore, starter CourseStarter, log *slog.Logger) *FicheSweepTask {
	return &FicheSweepTask{
		store:   store,
		starter: starter,
		log:     log.With(logger.Scope("scheduler.fiche_sweep")),
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes a fiche's next firing from its cron schedule, or nil for
// one-shot schedules.
func NextRun(cronSchedule string, after time.Time) *time.Time {
	if cronSchedule == "" {
		return nil
	}
	sched, err := cronParser.Parse(cronSchedule)
	if err != nil {
		return nil
	}
	next := sched.Next(after)
	return &next
}

// Run executes one sweep. A fiche already running is skipped this round; its
// schedule is left due so the next sweep retries.
func (t *FicheSweepTask) Run(ctx context.Context) error {
	due, err := t.store.DueFiches(ctx)
	if err != nil {
		return err
	}

	for _, f := range due {
		if f.Status == fiches.StatusRunning {
			continue
		}

		now := time.Now().UTC()
		next := NextRun(stringValue(f.CronSchedule), now)
		if err := t.store.UpdateFicheSchedule(ctx, f.ID, now, next); err != nil {
			t.log.Error("advance schedule failed", slog.String("fiche_id", f.ID), logger.Error(err))
			continue
		}

		course, err := t.starter.StartScheduledCourse(ctx, f)
		if err != nil {
			t.log.Error("scheduled course failed to start", slog.String("fiche_id", f.ID), logger.Error(err))
			continue
		}
		t.log.Info("scheduled course started",
			slog.String("fiche_id", f.ID),
			slog.String("course_id", course.ID),
			slog.String("status", course.Status),
		)
	}
	return nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// JobStore is the commis-job sweep surface. Satisfied by *courses.Repository.
type JobStore interface {
	TimeoutOverdueRunningJobs(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// CommisTimeoutSweepTask times out running commis jobs that outlived the
// dispatcher's own deadline, e.g. when the owning task died without crashing
// the process.
type CommisTimeoutSweepTask struct {
	store     JobStore
	olderThan time.Duration
	log       *slog.Logger
}

// NewCommisTimeoutSweepTask creates the timeout sweep.
func NewCommisTimeoutSweepTask(store JobStore, olderThan time.Duration, log *slog.Logger) *CommisTimeoutSweepTask {
	return &CommisTimeoutSweepTask{
		store:     store,
		olderThan: olderThan,
		log:       log.With(logger.Scope("scheduler.commis_timeout")),
	}
}

// Run executes the timeout sweep.
func (t *CommisTimeoutSweepTask) Run(ctx context.Context) error {
	ids, err := t.store.TimeoutOverdueRunningJobs(ctx, t.olderThan)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		t.log.Warn("timed out overdue commis jobs", slog.Int("count", len(ids)))
	}
	return nil
}

// TokenStore is the enrollment-token cleanup surface. Satisfied by
// *runnerhosts.Repository.
type TokenStore interface {
	DeleteExpiredTokens(ctx context.Context) (int64, error)
}

// TokenCleanupTask deletes expired, unused enrollment tokens.
type TokenCleanupTask struct {
	store TokenStore
	log   *slog.Logger
}

// NewTokenCleanupTask creates the token cleanup task.
func NewTokenCleanupTask(store TokenStore, log *slog.Logger) *TokenCleanupTask {
	return &TokenCleanupTask{store: store, log: log.With(logger.Scope("scheduler.token_cleanup"))}
}

// Run executes the cleanup.
func (t *TokenCleanupTask) Run(ctx context.Context) error {
	n, err := t.store.DeleteExpiredTokens(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		t.log.Info("deleted expired enrollment tokens", slog.Int64("count", n))
	}
	return nil
}
