package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/runner"
	"github.com/ficheops/control-plane/domain/workspace"
	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/logger"
)

type memJobStore struct {
	mu     sync.Mutex
	queued []*courses.CommisJob
	final  map[string]string
	errs   map[string]string
}

func newMemJobStore(jobs ...*courses.CommisJob) *memJobStore {
	return &memJobStore{queued: jobs, final: map[string]string{}, errs: map[string]string{}}
}

func (m *memJobStore) ClaimCommisJobs(ctx context.Context, n int) ([]*courses.CommisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.queued) {
		n = len(m.queued)
	}
	claimed := m.queued[:n]
	m.queued = m.queued[n:]
	for _, j := range claimed {
		j.Status = courses.JobStatusRunning
	}
	return claimed, nil
}

func (m *memJobStore) FinishCommisJob(ctx context.Context, id, status string, errMsg *string, commisID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.final[id] = status
	if errMsg != nil {
		m.errs[id] = *errMsg
	}
	return nil
}

func (m *memJobStore) CountQueuedJobs(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued), nil
}

func (m *memJobStore) finalStatus(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final[id]
}

type memArtifacts struct {
	mu        sync.Mutex
	created   []string
	results   map[string]string
	completed map[string]string
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{results: map[string]string{}, completed: map[string]string{}}
}

func (m *memArtifacts) Create(task string, cfg map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "commis-" + task
	m.created = append(m.created, id)
	return id, nil
}

func (m *memArtifacts) Start(commisID string) error { return nil }
func (m *memArtifacts) SaveMessage(commisID string, message any) error {
	return nil
}
func (m *memArtifacts) SaveToolOutput(commisID string, n int, toolName, output string) error {
	return nil
}

func (m *memArtifacts) SaveResult(commisID, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[commisID] = result
	return nil
}

func (m *memArtifacts) SaveArtifact(commisID, name string, data []byte) error { return nil }

func (m *memArtifacts) Complete(commisID, status string, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[commisID] = status
	return nil
}

func (m *memArtifacts) UpdateSummary(commisID, summary string, meta map[string]any) error {
	return nil
}

type fakeStandard struct {
	result string
	err    error
	delay  time.Duration
}

func (f *fakeStandard) RunCommis(ctx context.Context, job *courses.CommisJob, commisID string, store runner.CommisArtifacts) (string, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if err := store.SaveResult(commisID, f.result); err != nil {
		return "", err
	}
	return f.result, nil
}

type fakeWorkspace struct {
	result string
	err    error
}

func (f *fakeWorkspace) Run(ctx context.Context, job *courses.CommisJob, commisID string, sink workspace.ArtifactSink) (string, error) {
	return f.result, f.err
}

type recordedResume struct {
	courseID string
	result   string
	jobID    string
}

type fakeResumer struct {
	mu      sync.Mutex
	resumes []recordedResume
}

func (f *fakeResumer) Resume(ctx context.Context, courseID, commisResult string, jobID *string) (courses.ResumeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := recordedResume{courseID: courseID, result: commisResult}
	if jobID != nil {
		rec.jobID = *jobID
	}
	f.resumes = append(f.resumes, rec)
	return courses.ResumeResult{Status: courses.StatusSuccess}, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(ctx context.Context, courseID, eventType string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeEmitter) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Dispatcher.MaxConcurrentJobs = 5
	cfg.Dispatcher.JobTimeout = time.Minute
	return cfg
}

func newTestDispatcher(store JobStore, standard StandardRunner, ws WorkspaceRunner, resumer Resumer, emitter Emitter) (*Dispatcher, *memArtifacts) {
	arts := newMemArtifacts()
	d := NewDispatcher(testConfig(), store, arts, standard, ws, resumer, emitter, NewMetrics(prometheus.NewRegistry()), logger.NewLogger())
	return d, arts
}

func queuedJob(id, task string) *courses.CommisJob {
	return &courses.CommisJob{
		ID:                id,
		OwnerID:           "owner-1",
		Task:              task,
		Model:             "model-x",
		Status:            courses.JobStatusQueued,
		ConciergeCourseID: "course-1",
		ToolCallID:        "call-1",
		Config:            map[string]any{"execution_mode": courses.ExecutionModeStandard, "owner_id": "owner-1"},
	}
}

func TestTickRunsStandardJobToSuccessAndResumes(t *testing.T) {
	store := newMemJobStore(queuedJob("j1", "calc"))
	resumer := &fakeResumer{}
	emitter := &fakeEmitter{}
	d, arts := newTestDispatcher(store, &fakeStandard{result: "42"}, &fakeWorkspace{}, resumer, emitter)

	require.NoError(t, d.Tick(context.Background()))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, courses.JobStatusSuccess, store.finalStatus("j1"))
	assert.Equal(t, "42", arts.results["commis-calc"])
	assert.Equal(t, courses.JobStatusSuccess, arts.completed["commis-calc"])
	assert.True(t, emitter.has("commis_started"))
	assert.True(t, emitter.has("commis_complete"))

	require.Len(t, resumer.resumes, 1)
	assert.Equal(t, "course-1", resumer.resumes[0].courseID)
	assert.Equal(t, "j1", resumer.resumes[0].jobID)
	assert.Contains(t, resumer.resumes[0].result, "42")
}

func TestFailedJobResumesConciergeWithFailureMessage(t *testing.T) {
	store := newMemJobStore(queuedJob("j1", "calc"))
	resumer := &fakeResumer{}
	d, _ := newTestDispatcher(store, &fakeStandard{err: errors.New("boom")}, &fakeWorkspace{}, resumer, &fakeEmitter{})

	require.NoError(t, d.Tick(context.Background()))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, courses.JobStatusFailed, store.finalStatus("j1"))
	require.Len(t, resumer.resumes, 1)
	assert.Contains(t, resumer.resumes[0].result, "boom")
}

func TestJobTimeoutSettlesAsTimeout(t *testing.T) {
	job := queuedJob("j1", "slow")
	job.Config["timeout_seconds"] = 0.05 // JSON numbers arrive as float64
	store := newMemJobStore(job)
	resumer := &fakeResumer{}
	d, _ := newTestDispatcher(store, &fakeStandard{result: "late", delay: time.Second}, &fakeWorkspace{}, resumer, &fakeEmitter{})

	require.NoError(t, d.Tick(context.Background()))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, courses.JobStatusTimeout, store.finalStatus("j1"))
	require.Len(t, resumer.resumes, 1)
	assert.Contains(t, resumer.resumes[0].result, "timed out")
}

func TestWorkspaceModeResultIsPersisted(t *testing.T) {
	job := queuedJob("j1", "patch")
	job.Config["execution_mode"] = courses.ExecutionModeWorkspace
	store := newMemJobStore(job)
	d, arts := newTestDispatcher(store, &fakeStandard{}, &fakeWorkspace{result: "patched"}, &fakeResumer{}, &fakeEmitter{})

	require.NoError(t, d.Tick(context.Background()))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, courses.JobStatusSuccess, store.finalStatus("j1"))
	assert.Equal(t, "patched", arts.results["commis-patch"])
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	var jobs []*courses.CommisJob
	for i := 0; i < 10; i++ {
		jobs = append(jobs, queuedJob("j"+string(rune('0'+i)), "work"))
	}
	store := newMemJobStore(jobs...)
	d, _ := newTestDispatcher(store, &fakeStandard{result: "ok", delay: 50 * time.Millisecond}, &fakeWorkspace{}, &fakeResumer{}, &fakeEmitter{})

	require.NoError(t, d.Tick(context.Background()))
	assert.LessOrEqual(t, int(d.inFlight.Load()), 5)

	// A second tick while full claims nothing further.
	require.NoError(t, d.Tick(context.Background()))
	remaining, _ := store.CountQueuedJobs(context.Background())
	assert.Equal(t, 5, remaining)

	require.NoError(t, d.Drain(context.Background()))
}
