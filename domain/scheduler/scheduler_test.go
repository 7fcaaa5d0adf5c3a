package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/pkg/logger"
)

func TestSchedulerRegistersAndReplacesTasks(t *testing.T) {
	s := NewScheduler(logger.NewLogger())

	require.NoError(t, s.AddIntervalTask("sweep", time.Minute, func(ctx context.Context) error { return nil }))
	require.NoError(t, s.AddCronTask("cleanup", "0 * * * *", func(ctx context.Context) error { return nil }))
	assert.ElementsMatch(t, []string{"sweep", "cleanup"}, s.ListTasks())

	// Re-adding under the same name replaces, not duplicates.
	require.NoError(t, s.AddIntervalTask("sweep", time.Hour, func(ctx context.Context) error { return nil }))
	assert.Len(t, s.ListTasks(), 2)

	s.RemoveTask("cleanup")
	assert.Equal(t, []string{"sweep"}, s.ListTasks())
}

func TestSchedulerRejectsInvalidCron(t *testing.T) {
	s := NewScheduler(logger.NewLogger())
	assert.Error(t, s.AddCronTask("bad", "not a schedule", func(ctx context.Context) error { return nil }))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(logger.NewLogger())
	assert.False(t, s.IsRunning())

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
}

func TestNextRunParsesFiveFieldCron(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next := NextRun("0 12 * * *", after)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next.UTC())

	assert.Nil(t, NextRun("", after))
	assert.Nil(t, NextRun("garbage", after))
}

// fakeFicheStore scripts the sweep's persistence surface.
type fakeFicheStore struct {
	due      []*fiches.Fiche
	advanced map[string]*time.Time
}

func (f *fakeFicheStore) DueFiches(ctx context.Context) ([]*fiches.Fiche, error) {
	return f.due, nil
}

func (f *fakeFicheStore) UpdateFicheSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error {
	if f.advanced == nil {
		f.advanced = map[string]*time.Time{}
	}
	f.advanced[id] = nextRunAt
	return nil
}

type fakeStarter struct {
	started []string
	err     error
}

func (f *fakeStarter) StartScheduledCourse(ctx context.Context, fi *fiches.Fiche) (*courses.Course, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, fi.ID)
	return &courses.Course{ID: "course-" + fi.ID, Status: courses.StatusSuccess}, nil
}

func TestFicheSweepStartsDueFichesAndAdvancesSchedule(t *testing.T) {
	sched := "0 * * * *"
	store := &fakeFicheStore{due: []*fiches.Fiche{
		{ID: "f1", Status: fiches.StatusIdle, CronSchedule: &sched},
		{ID: "f2", Status: fiches.StatusRunning},
	}}
	starter := &fakeStarter{}

	task := NewFicheSweepTask(store, starter, logger.NewLogger())
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, []string{"f1"}, starter.started)
	require.Contains(t, store.advanced, "f1")
	assert.NotNil(t, store.advanced["f1"], "cron-scheduled fiche advances to a next run")
	assert.NotContains(t, store.advanced, "f2", "running fiche is left due for the next sweep")
}

func TestFicheSweepOneShotClearsNextRun(t *testing.T) {
	store := &fakeFicheStore{due: []*fiches.Fiche{{ID: "f1", Status: fiches.StatusIdle}}}
	starter := &fakeStarter{}

	task := NewFicheSweepTask(store, starter, logger.NewLogger())
	require.NoError(t, task.Run(context.Background()))

	require.Contains(t, store.advanced, "f1")
	assert.Nil(t, store.advanced["f1"])
}

func TestFicheSweepContinuesPastStartFailures(t *testing.T) {
	store := &fakeFicheStore{due: []*fiches.Fiche{
		{ID: "f1", Status: fiches.StatusIdle},
		{ID: "f2", Status: fiches.StatusIdle},
	}}
	starter := &fakeStarter{err: errors.New("llm offline")}

	task := NewFicheSweepTask(store, starter, logger.NewLogger())
	require.NoError(t, task.Run(context.Background()))
	assert.Len(t, store.advanced, 2, "schedule still advances so a broken fiche cannot hot-loop")
}
