// Package dispatcher claims queued commis jobs, executes them in standard or
// workspace mode, finalizes their rows, emits lifecycle events, and resumes
// the waiting concierge. Claiming is SQL-atomic; no in-memory set of
// in-flight ids is consulted for dispatch decisions.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/events"
	"github.com/ficheops/control-plane/domain/runner"
	"github.com/ficheops/control-plane/domain/workspace"
	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/logger"
	"github.com/ficheops/control-plane/pkg/tracing"
)

// JobStore is the commis-job persistence surface the dispatcher needs.
// Satisfied by *courses.Repository.
type JobStore interface {
	ClaimCommisJobs(ctx context.Context, n int) ([]*courses.CommisJob, error)
	FinishCommisJob(ctx context.Context, id, status string, errMsg *string, commisID *string) error
	CountQueuedJobs(ctx context.Context) (int, error)
}

// Resumer is the concierge resume path. Satisfied by *courses.Service.
type Resumer interface {
	Resume(ctx context.Context, courseID, commisResult string, jobID *string) (courses.ResumeResult, error)
}

// StandardRunner executes a standard-mode commis. Satisfied by *runner.Runner.
type StandardRunner interface {
	RunCommis(ctx context.Context, job *courses.CommisJob, commisID string, store runner.CommisArtifacts) (string, error)
}

// WorkspaceRunner executes a workspace-mode commis. Satisfied by
// *workspace.Executor.
type WorkspaceRunner interface {
	Run(ctx context.Context, job *courses.CommisJob, commisID string, sink workspace.ArtifactSink) (string, error)
}

// ArtifactStore is the artifact-store surface the dispatcher drives through a
// job's lifetime. Satisfied by *artifacts.Store.
type ArtifactStore interface {
	Create(task string, cfg map[string]any) (string, error)
	Start(commisID string) error
	SaveMessage(commisID string, message any) error
	SaveToolOutput(commisID string, n int, toolName, output string) error
	SaveResult(commisID, result string) error
	SaveArtifact(commisID, name string, data []byte) error
	Complete(commisID, status string, errMsg *string) error
	UpdateSummary(commisID, summary string, meta map[string]any) error
}

// Emitter records course events. Satisfied by *events.Service.
type Emitter interface {
	Emit(ctx context.Context, courseID, eventType string, payload map[string]any)
}

// Metrics are the dispatcher's Prometheus gauges and counters.
type Metrics struct {
	QueuedJobs   prometheus.Gauge
	InFlightJobs prometheus.Gauge
	JobsFinished *prometheus.CounterVec
}

// NewMetrics registers the dispatcher metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueuedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_queued_jobs",
			Help: "Commis jobs currently queued.",
		}),
		InFlightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_in_flight_jobs",
			Help: "Commis jobs currently executing in this process.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_jobs_finished_total",
			Help: "Commis jobs finished, by terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.QueuedJobs, m.InFlightJobs, m.JobsFinished)
	return m
}

// Dispatcher is the long-running claim/execute/resume loop.
type Dispatcher struct {
	cfg       *config.Config
	store     JobStore
	artifacts ArtifactStore
	standard  StandardRunner
	workspace WorkspaceRunner
	resumer   Resumer
	events    Emitter
	metrics   *Metrics
	log       *slog.Logger

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	cfg *config.Config,
	store JobStore,
	artifactStore ArtifactStore,
	standard StandardRunner,
	workspaceRunner WorkspaceRunner,
	resumer Resumer,
	emitter Emitter,
	metrics *Metrics,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		artifacts: artifactStore,
		standard:  standard,
		workspace: workspaceRunner,
		resumer:   resumer,
		events:    emitter,
		metrics:   metrics,
		log:       log.With(logger.Scope("dispatcher")),
	}
}

// Tick claims up to the free concurrency slots and spawns one task per
// claimed job. It is the worker's poll function.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if queued, err := d.store.CountQueuedJobs(ctx); err == nil {
		d.metrics.QueuedJobs.Set(float64(queued))
	}

	free := d.cfg.Dispatcher.MaxConcurrentJobs - int(d.inFlight.Load())
	if free <= 0 {
		return nil
	}

	jobs, err := d.store.ClaimCommisJobs(ctx, free)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		d.inFlight.Add(1)
		d.metrics.InFlightJobs.Set(float64(d.inFlight.Load()))
		d.wg.Add(1)
		go func(job *courses.CommisJob) {
			defer d.wg.Done()
			defer func() {
				d.inFlight.Add(-1)
				d.metrics.InFlightJobs.Set(float64(d.inFlight.Load()))
			}()
			d.runJob(ctx, job)
		}(job)
	}
	return nil
}

// Drain waits for in-flight jobs to finish or ctx to expire.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runJob drives one claimed job from running to terminal, then resumes the
// concierge. No database session is held across execution: the store and
// emitter open their own short scopes per call, and the finalize/emit/resume
// phases run on a context detached from loop shutdown.
func (d *Dispatcher) runJob(ctx context.Context, job *courses.CommisJob) {
	start := time.Now()

	execCtx, span := tracing.Start(ctx, "dispatcher.job",
		attribute.String("job.id", job.ID),
		attribute.String("owner.id", job.OwnerID),
	)
	defer span.End()

	commisID, err := d.artifacts.Create(job.Task, job.Config)
	if err != nil {
		d.finalize(ctx, job, "", courses.JobStatusFailed, "", fmt.Sprintf("create artifact dir: %v", err), start, span)
		return
	}
	if err := d.artifacts.Start(commisID); err != nil {
		d.log.Warn("artifact start failed", slog.String("commis_id", commisID), logger.Error(err))
	}

	d.events.Emit(execCtx, job.ConciergeCourseID, events.TypeCommisStarted, map[string]any{
		"job_id":    job.ID,
		"commis_id": commisID,
		"owner_id":  job.OwnerID,
	})

	jobCtx, cancel := context.WithTimeout(execCtx, d.jobTimeout(job))
	result, runErr := d.execute(jobCtx, job, commisID)
	timedOut := jobCtx.Err() != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()

	status := courses.JobStatusSuccess
	errMsg := ""
	switch {
	case runErr == nil:
		// Derived summary extraction is best-effort.
		if err := d.artifacts.UpdateSummary(commisID, firstLine(result), nil); err != nil {
			d.log.Debug("update summary failed", slog.String("commis_id", commisID), logger.Error(err))
		}
	case timedOut:
		status = courses.JobStatusTimeout
		errMsg = fmt.Sprintf("commis job exceeded its %s timeout", d.jobTimeout(job))
	default:
		status = courses.JobStatusFailed
		errMsg = runErr.Error()
	}

	d.finalize(ctx, job, commisID, status, result, errMsg, start, span)
}

// execute dispatches to the job's execution mode. Workspace results are
// persisted to the artifact store here since the executor only knows the
// filesystem it ran in.
func (d *Dispatcher) execute(ctx context.Context, job *courses.CommisJob, commisID string) (string, error) {
	mode, _ := job.Config["execution_mode"].(string)
	if mode == courses.ExecutionModeWorkspace {
		result, err := d.workspace.Run(ctx, job, commisID, d.artifacts)
		if err != nil {
			return "", err
		}
		if serr := d.artifacts.SaveResult(commisID, result); serr != nil {
			return "", fmt.Errorf("save workspace result: %w", serr)
		}
		return result, nil
	}
	return d.standard.RunCommis(ctx, job, commisID, d.artifacts)
}

// finalize runs the post-execution phases, each in a fresh scope: artifact
// completion, job row settlement, the commis_complete event, and the
// concierge resume. A canceled loop context must not abort settlement, so
// everything runs on a detached context.
func (d *Dispatcher) finalize(ctx context.Context, job *courses.CommisJob, commisID, status, result, errMsg string, start time.Time, span trace.Span) {
	finCtx := context.WithoutCancel(ctx)

	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}

	if commisID != "" {
		if err := d.artifacts.Complete(commisID, status, errPtr); err != nil {
			d.log.Warn("artifact complete failed", slog.String("commis_id", commisID), logger.Error(err))
		}
	}

	var commisPtr *string
	if commisID != "" {
		commisPtr = &commisID
	}
	if err := d.store.FinishCommisJob(finCtx, job.ID, status, errPtr, commisPtr); err != nil {
		d.log.Error("finish commis job failed", slog.String("job_id", job.ID), logger.Error(err))
	}
	d.metrics.JobsFinished.WithLabelValues(status).Inc()

	payload := map[string]any{
		"job_id":      job.ID,
		"commis_id":   commisID,
		"status":      status,
		"duration_ms": time.Since(start).Milliseconds(),
		"owner_id":    job.OwnerID,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		payload["trace_id"] = sc.TraceID().String()
	}
	d.events.Emit(finCtx, job.ConciergeCourseID, events.TypeCommisComplete, payload)

	res, err := d.resumer.Resume(finCtx, job.ConciergeCourseID, runner.CommisResultMessage(status, result, errMsg), &job.ID)
	if err != nil {
		d.log.Error("concierge resume failed", slog.String("course_id", job.ConciergeCourseID), logger.Error(err))
		return
	}
	d.log.Info("commis job settled",
		slog.String("job_id", job.ID),
		slog.String("status", status),
		slog.String("resume_status", res.Status),
		slog.Duration("duration", time.Since(start)),
	)
}

func (d *Dispatcher) jobTimeout(job *courses.CommisJob) time.Duration {
	// JSON round-trips land as float64; jobs created in-process carry int.
	switch v := job.Config["timeout_seconds"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return d.cfg.Dispatcher.JobTimeout
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
