// Package recovery settles orphaned in-flight rows once at startup, before
// any dispatcher loop begins. Each step is idempotent: an immediate second
// run finds nothing to do.
package recovery

import (
	"context"
	"log/slog"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/pkg/logger"
)

// Messages recorded on recovered rows.
const (
	orphanedMessage        = "Orphaned after server restart"
	orphanedCommisMessage  = "Commis job orphaned after server restart"
	restartedDeployMessage = "Control plane restarted during deploy"
	ficheRecoveryNote      = "Recovered to idle after server restart"
)

// CourseStore is the course/job recovery surface. Satisfied by
// *courses.Repository.
type CourseStore interface {
	RecoverOrphanedCourses(ctx context.Context, errMsg string) ([]string, error)
	RecoverOrphanedRunningJobs(ctx context.Context, errMsg string) ([]string, error)
	WaitingCoursesWithNoNonTerminalJob(ctx context.Context) ([]*courses.Course, error)
	TransitionStatus(ctx context.Context, id, status string, errMsg *string) error
	RecoverRunnerJobs(ctx context.Context, errMsg string) ([]string, error)
	HasNonTerminalCourseForFiche(ctx context.Context, ficheID string) (bool, error)
}

// FicheStore is the fiche recovery surface. Satisfied by *fiches.Repository.
type FicheStore interface {
	RunningFiches(ctx context.Context) ([]*fiches.Fiche, error)
	UpdateFicheStatus(ctx context.Context, id, status string, lastError *string) error
}

// DeployStore is the deployment recovery surface. Satisfied by
// *deploy.Repository.
type DeployStore interface {
	PauseOrphanedDeployments(ctx context.Context) ([]string, error)
	FailDeployingInstances(ctx context.Context, errMsg string) ([]string, error)
}

// Report lists everything a recovery pass changed. A second pass immediately
// after returns a Report whose Empty() is true.
type Report struct {
	FailedCourses        []string `json:"failed_courses"`
	FailedCommisJobs     []string `json:"failed_commis_jobs"`
	FailedWaitingCourses []string `json:"failed_waiting_courses"`
	FailedRunnerJobs     []string `json:"failed_runner_jobs"`
	RecoveredFiches      []string `json:"recovered_fiches"`
	PausedDeployments    []string `json:"paused_deployments"`
	FailedInstances      []string `json:"failed_instances"`
}

// Empty reports whether the pass changed nothing.
func (r *Report) Empty() bool {
	return len(r.FailedCourses) == 0 &&
		len(r.FailedCommisJobs) == 0 &&
		len(r.FailedWaitingCourses) == 0 &&
		len(r.FailedRunnerJobs) == 0 &&
		len(r.RecoveredFiches) == 0 &&
		len(r.PausedDeployments) == 0 &&
		len(r.FailedInstances) == 0
}

// Recoverer runs the startup recovery pass.
type Recoverer struct {
	courses CourseStore
	fiches  FicheStore
	deploys DeployStore
	log     *slog.Logger
}

// NewRecoverer creates a Recoverer.
func NewRecoverer(courseStore CourseStore, ficheStore FicheStore, deployStore DeployStore, log *slog.Logger) *Recoverer {
	return &Recoverer{
		courses: courseStore,
		fiches:  ficheStore,
		deploys: deployStore,
		log:     log.With(logger.Scope("recovery")),
	}
}

// Run performs the recovery steps in their required order. Course recovery
// must precede fiche recovery so fiches whose stuck course was just failed
// can be unwedged in the same pass.
func (r *Recoverer) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	// Step 1: RUNNING/QUEUED/DEFERRED courses belonged to the dead process.
	// WAITING is left alone; step 2's fallout or a later continuation
	// settles it.
	failed, err := r.courses.RecoverOrphanedCourses(ctx, orphanedMessage)
	if err != nil {
		return nil, err
	}
	report.FailedCourses = failed

	// Step 2: running commis jobs died with the process. Queued jobs are
	// left alone; the dispatcher resumes them naturally.
	failedJobs, err := r.courses.RecoverOrphanedRunningJobs(ctx, orphanedMessage)
	if err != nil {
		return nil, err
	}
	report.FailedCommisJobs = failedJobs

	// A WAITING course whose sole non-terminal job was just failed above
	// would otherwise wait forever; settle it now.
	stranded, err := r.courses.WaitingCoursesWithNoNonTerminalJob(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range stranded {
		msg := orphanedCommisMessage
		if err := r.courses.TransitionStatus(ctx, c.ID, courses.StatusFailed, &msg); err != nil {
			return nil, err
		}
		report.FailedWaitingCourses = append(report.FailedWaitingCourses, c.ID)
	}

	// Step 3: runner jobs, queued and running both.
	failedRunnerJobs, err := r.courses.RecoverRunnerJobs(ctx, orphanedMessage)
	if err != nil {
		return nil, err
	}
	report.FailedRunnerJobs = failedRunnerJobs

	// Step 4: fiches stuck running whose last course is now terminal.
	running, err := r.fiches.RunningFiches(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range running {
		active, err := r.courses.HasNonTerminalCourseForFiche(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		if active {
			continue
		}
		note := ficheRecoveryNote
		if err := r.fiches.UpdateFicheStatus(ctx, f.ID, fiches.StatusIdle, &note); err != nil {
			return nil, err
		}
		report.RecoveredFiches = append(report.RecoveredFiches, f.ID)
	}

	// Deployments interrupted mid-rollout pause; instances caught deploying
	// fail with a recovery note.
	paused, err := r.deploys.PauseOrphanedDeployments(ctx)
	if err != nil {
		return nil, err
	}
	report.PausedDeployments = paused

	failedInstances, err := r.deploys.FailDeployingInstances(ctx, restartedDeployMessage)
	if err != nil {
		return nil, err
	}
	report.FailedInstances = failedInstances

	if !report.Empty() {
		r.log.Info("recovery pass settled orphaned work",
			slog.Int("courses", len(report.FailedCourses)),
			slog.Int("commis_jobs", len(report.FailedCommisJobs)),
			slog.Int("stranded_waiting", len(report.FailedWaitingCourses)),
			slog.Int("runner_jobs", len(report.FailedRunnerJobs)),
			slog.Int("fiches", len(report.RecoveredFiches)),
			slog.Int("deployments", len(report.PausedDeployments)),
			slog.Int("instances", len(report.FailedInstances)),
		)
	}
	return report, nil
}
