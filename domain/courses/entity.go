// Package courses implements the course/job state model (C3): Course,
// CommisJob, and RunnerJob persistence plus their authoritative transitions.
package courses

import (
	"time"

	"github.com/uptrace/bun"
)

// Course status values. Terminal = {SUCCESS, FAILED, CANCELLED}.
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusWaiting   = "WAITING"
	StatusDeferred  = "DEFERRED"
)

// Trigger values for how a Course came to exist.
const (
	TriggerAPI          = "api"
	TriggerManual       = "manual"
	TriggerSchedule     = "schedule"
	TriggerContinuation = "continuation"
)

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Course is one end-to-end execution of a fiche on a thread.
type Course struct {
	bun.BaseModel `bun:"table:core.courses,alias:c"`

	ID                     string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	FicheID                string     `bun:"fiche_id,notnull" json:"fiche_id"`
	ThreadID               string     `bun:"thread_id,notnull" json:"thread_id"`
	OwnerID                string     `bun:"owner_id,notnull" json:"owner_id"`
	Status                 string     `bun:"status,notnull,default:'QUEUED'" json:"status"`
	Trigger                string     `bun:"trigger,notnull" json:"trigger"`
	CorrelationID          string     `bun:"correlation_id,notnull,type:uuid,default:gen_random_uuid()" json:"correlation_id"`
	ContinuationOfCourseID *string    `bun:"continuation_of_course_id" json:"continuation_of_course_id,omitempty"`
	AssistantMessageID     *string    `bun:"assistant_message_id" json:"assistant_message_id,omitempty"`
	Summary                *string    `bun:"summary" json:"summary,omitempty"`
	Error                  *string    `bun:"error" json:"error,omitempty"`
	CreatedAt              time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	FinishedAt             *time.Time `bun:"finished_at" json:"finished_at,omitempty"`
}

// CommisJob status values.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
	JobStatusTimeout = "timeout"
)

// CommisJob is a subtask spawned by a concierge tool call.
type CommisJob struct {
	bun.BaseModel `bun:"table:core.commis_jobs,alias:cj"`

	ID                string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	OwnerID           string         `bun:"owner_id,notnull" json:"owner_id"`
	Task              string         `bun:"task,notnull" json:"task"`
	Model             string         `bun:"model,notnull,default:''" json:"model"`
	Status            string         `bun:"status,notnull,default:'queued'" json:"status"`
	ConciergeCourseID string         `bun:"concierge_course_id,notnull" json:"concierge_course_id"`
	ToolCallID        string         `bun:"tool_call_id,notnull" json:"tool_call_id"`
	CommisID          *string        `bun:"commis_id" json:"commis_id,omitempty"`
	Config            map[string]any `bun:"config,type:jsonb,notnull,default:'{}'" json:"config"`
	Error             *string        `bun:"error" json:"error,omitempty"`
	CreatedAt         time.Time      `bun:"created_at,notnull,default:now()" json:"created_at"`
	StartedAt         *time.Time     `bun:"started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time     `bun:"finished_at" json:"finished_at,omitempty"`
}

// ExecutionMode values for CommisJob.Config["execution_mode"].
const (
	ExecutionModeStandard  = "standard"
	ExecutionModeWorkspace = "workspace"
)

// RunnerJob status values.
const (
	RunnerJobStatusQueued    = "queued"
	RunnerJobStatusRunning   = "running"
	RunnerJobStatusCompleted = "completed"
	RunnerJobStatusFailed    = "failed"
	RunnerJobStatusCancelled = "cancelled"
)

// RunnerJob is a command dispatched to an external runner host.
type RunnerJob struct {
	bun.BaseModel `bun:"table:core.runner_jobs,alias:rj"`

	ID           string     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	RunnerHostID *string    `bun:"runner_host_id" json:"runner_host_id,omitempty"`
	OwnerID      string     `bun:"owner_id,notnull" json:"owner_id"`
	Command      string     `bun:"command,notnull" json:"command"`
	Status       string     `bun:"status,notnull,default:'queued'" json:"status"`
	Error        *string    `bun:"error" json:"error,omitempty"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
	StartedAt    *time.Time `bun:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `bun:"finished_at" json:"finished_at,omitempty"`
}
