package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"

	"github.com/ficheops/control-plane/domain/scheduler"
	"github.com/ficheops/control-plane/internal/jobs"
)

// MetricsHandler serves JSON snapshots of the job queues and scheduler, plus
// the Prometheus text surface wired in routes.go.
type MetricsHandler struct {
	db        *bun.DB
	scheduler *scheduler.Scheduler
}

// NewMetricsHandler creates a metrics handler.
func NewMetricsHandler(db *bun.DB, sched *scheduler.Scheduler) *MetricsHandler {
	return &MetricsHandler{db: db, scheduler: sched}
}

// QueueMetrics is the per-queue breakdown in the jobs snapshot.
type QueueMetrics struct {
	Queue string      `json:"queue"`
	Stats *jobs.Stats `json:"stats"`
}

// JobMetrics serves GET /api/metrics/jobs.
func (h *MetricsHandler) JobMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	commis, err := jobs.CommisJobStats(ctx, h.db)
	if err != nil {
		return err
	}
	runners, err := jobs.RunnerJobStats(ctx, h.db)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"queues": []QueueMetrics{
			{Queue: "commis_jobs", Stats: commis},
			{Queue: "runner_jobs", Stats: runners},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// SchedulerMetrics serves GET /api/metrics/scheduler.
func (h *MetricsHandler) SchedulerMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"running":   h.scheduler.IsRunning(),
		"tasks":     h.scheduler.GetTaskInfo(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
