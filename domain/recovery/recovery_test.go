package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/pkg/logger"
)

// memState is an in-memory projection of the recoverable rows.
type memState struct {
	courseStatus map[string]string
	courseErr    map[string]string
	courseFiche  map[string]string
	jobStatus    map[string]string
	jobCourse    map[string]string
	runnerJobs   map[string]string
	ficheStatus  map[string]string
	deployments  map[string]string
	instances    map[string]string
}

func newMemState() *memState {
	return &memState{
		courseStatus: map[string]string{},
		courseErr:    map[string]string{},
		courseFiche:  map[string]string{},
		jobStatus:    map[string]string{},
		jobCourse:    map[string]string{},
		runnerJobs:   map[string]string{},
		ficheStatus:  map[string]string{},
		deployments:  map[string]string{},
		instances:    map[string]string{},
	}
}

func (m *memState) RecoverOrphanedCourses(ctx context.Context, errMsg string) ([]string, error) {
	var out []string
	for id, status := range m.courseStatus {
		if status == courses.StatusRunning || status == courses.StatusQueued || status == courses.StatusDeferred {
			m.courseStatus[id] = courses.StatusFailed
			m.courseErr[id] = errMsg
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memState) RecoverOrphanedRunningJobs(ctx context.Context, errMsg string) ([]string, error) {
	var out []string
	for id, status := range m.jobStatus {
		if status == courses.JobStatusRunning {
			m.jobStatus[id] = courses.JobStatusFailed
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memState) WaitingCoursesWithNoNonTerminalJob(ctx context.Context) ([]*courses.Course, error) {
	var out []*courses.Course
	for id, status := range m.courseStatus {
		if status != courses.StatusWaiting {
			continue
		}
		open := false
		for jid, jstatus := range m.jobStatus {
			if m.jobCourse[jid] == id && (jstatus == courses.JobStatusQueued || jstatus == courses.JobStatusRunning) {
				open = true
			}
		}
		if !open {
			out = append(out, &courses.Course{ID: id, Status: status})
		}
	}
	return out, nil
}

func (m *memState) TransitionStatus(ctx context.Context, id, status string, errMsg *string) error {
	m.courseStatus[id] = status
	if errMsg != nil {
		m.courseErr[id] = *errMsg
	}
	return nil
}

func (m *memState) RecoverRunnerJobs(ctx context.Context, errMsg string) ([]string, error) {
	var out []string
	for id, status := range m.runnerJobs {
		if status == courses.RunnerJobStatusQueued || status == courses.RunnerJobStatusRunning {
			m.runnerJobs[id] = courses.RunnerJobStatusFailed
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memState) HasNonTerminalCourseForFiche(ctx context.Context, ficheID string) (bool, error) {
	for id, status := range m.courseStatus {
		if m.courseFiche[id] == ficheID && !courses.IsTerminal(status) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memState) RunningFiches(ctx context.Context) ([]*fiches.Fiche, error) {
	var out []*fiches.Fiche
	for id, status := range m.ficheStatus {
		if status == fiches.StatusRunning {
			out = append(out, &fiches.Fiche{ID: id, Status: status})
		}
	}
	return out, nil
}

func (m *memState) UpdateFicheStatus(ctx context.Context, id, status string, lastError *string) error {
	m.ficheStatus[id] = status
	return nil
}

func (m *memState) PauseOrphanedDeployments(ctx context.Context) ([]string, error) {
	var out []string
	for id, status := range m.deployments {
		if status == "pending" || status == "in_progress" {
			m.deployments[id] = "paused"
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memState) FailDeployingInstances(ctx context.Context, errMsg string) ([]string, error) {
	var out []string
	for id, state := range m.instances {
		if state == "deploying" {
			m.instances[id] = "failed"
			out = append(out, id)
		}
	}
	return out, nil
}

func newRecoverer(m *memState) *Recoverer {
	return NewRecoverer(m, m, m, logger.NewLogger())
}

func TestRecoveryFailsOrphansInOrder(t *testing.T) {
	m := newMemState()
	// A fiche stuck running with its only course RUNNING and job running.
	m.ficheStatus["f1"] = fiches.StatusRunning
	m.courseStatus["c1"] = courses.StatusRunning
	m.courseFiche["c1"] = "f1"
	m.jobStatus["j1"] = courses.JobStatusRunning
	m.jobCourse["j1"] = "c1"
	m.runnerJobs["r1"] = courses.RunnerJobStatusRunning

	report, err := newRecoverer(m).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, report.FailedCourses)
	assert.Equal(t, []string{"j1"}, report.FailedCommisJobs)
	assert.Equal(t, []string{"r1"}, report.FailedRunnerJobs)
	assert.Equal(t, []string{"f1"}, report.RecoveredFiches)

	assert.Equal(t, courses.StatusFailed, m.courseStatus["c1"])
	assert.Equal(t, orphanedMessage, m.courseErr["c1"])
	assert.Equal(t, courses.JobStatusFailed, m.jobStatus["j1"])
	assert.Equal(t, fiches.StatusIdle, m.ficheStatus["f1"])
}

func TestRecoveryLeavesWaitingWithLiveJobAlone(t *testing.T) {
	m := newMemState()
	m.courseStatus["c1"] = courses.StatusWaiting
	m.jobStatus["j1"] = courses.JobStatusQueued
	m.jobCourse["j1"] = "c1"

	report, err := newRecoverer(m).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Empty())
	assert.Equal(t, courses.StatusWaiting, m.courseStatus["c1"])
	assert.Equal(t, courses.JobStatusQueued, m.jobStatus["j1"])
}

func TestRecoveryFailsWaitingCourseWhoseJobWasOrphaned(t *testing.T) {
	m := newMemState()
	m.courseStatus["c1"] = courses.StatusWaiting
	m.jobStatus["j1"] = courses.JobStatusRunning
	m.jobCourse["j1"] = "c1"

	report, err := newRecoverer(m).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"j1"}, report.FailedCommisJobs)
	assert.Equal(t, []string{"c1"}, report.FailedWaitingCourses)
	assert.Equal(t, courses.StatusFailed, m.courseStatus["c1"])
	assert.Equal(t, orphanedCommisMessage, m.courseErr["c1"])
}

func TestRecoveryPausesDeploymentsAndFailsDeployingInstances(t *testing.T) {
	m := newMemState()
	m.deployments["d1"] = "in_progress"
	m.deployments["d2"] = "completed"
	m.instances["i1"] = "deploying"
	m.instances["i2"] = "succeeded"

	report, err := newRecoverer(m).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"d1"}, report.PausedDeployments)
	assert.Equal(t, []string{"i1"}, report.FailedInstances)
	assert.Equal(t, "paused", m.deployments["d1"])
	assert.Equal(t, "completed", m.deployments["d2"])
	assert.Equal(t, "failed", m.instances["i1"])
}

func TestRecoveryIsIdempotent(t *testing.T) {
	m := newMemState()
	m.ficheStatus["f1"] = fiches.StatusRunning
	m.courseStatus["c1"] = courses.StatusRunning
	m.courseFiche["c1"] = "f1"
	m.jobStatus["j1"] = courses.JobStatusRunning
	m.jobCourse["j1"] = "c1"
	m.deployments["d1"] = "pending"
	m.instances["i1"] = "deploying"

	r := newRecoverer(m)

	first, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, first.Empty())

	second, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Empty())
}
