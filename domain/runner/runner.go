// Package runner drives the conversation loop for a single course: calling
// the LLM, executing tool calls, and persisting every message. Suspension at
// a spawn_commis tool call and idempotent continuation are modeled as an
// explicit tagged return from the inner loop rather than control-flow panics.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/events"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/domain/runner/llm"
	"github.com/ficheops/control-plane/pkg/logger"
	"github.com/ficheops/control-plane/pkg/tracing"
)

// CourseStore is the course/job persistence surface the runner needs.
// Satisfied by *courses.Repository.
type CourseStore interface {
	CreateCourse(ctx context.Context, c *courses.Course) error
	GetCourseByID(ctx context.Context, id string) (*courses.Course, error)
	TransitionStatus(ctx context.Context, id, status string, errMsg *string) error
	SetWaiting(ctx context.Context, id, assistantMessageID string) error
	SetSummary(ctx context.Context, id, summary string) error
	DeferCourse(ctx context.Context, id string) error
	LatestDeferredCourse(ctx context.Context, ownerID, ficheID string) (*courses.Course, error)
	SettleDeferredParent(ctx context.Context, parentID string) error
	CreateCommisJob(ctx context.Context, j *courses.CommisJob) error
	StatusOf(ctx context.Context, id string) (string, error)
	RecentJobsForOwner(ctx context.Context, ownerID string, limit int) ([]*courses.CommisJob, error)
}

// ThreadStore is the fiche/thread persistence surface the runner needs.
// Satisfied by *fiches.Repository.
type ThreadStore interface {
	GetFiche(ctx context.Context, id, ownerID string) (*fiches.Fiche, error)
	UpdateFicheStatus(ctx context.Context, id, status string, lastError *string) error
	GetOrCreateThread(ctx context.Context, ficheID string) (*fiches.Thread, error)
	GetThread(ctx context.Context, threadID string) (*fiches.Thread, error)
	ListMessages(ctx context.Context, threadID string) ([]*fiches.ThreadMessage, error)
	AppendMessage(ctx context.Context, m *fiches.ThreadMessage) error
	HasToolMessage(ctx context.Context, threadID, toolCallID string) (bool, error)
	DeleteMarkerMessages(ctx context.Context, threadID, markerPrefix string, olderThanSeconds int) error
}

// Emitter records course events. Satisfied by *events.Service.
type Emitter interface {
	Emit(ctx context.Context, courseID, eventType string, payload map[string]any)
}

// RecentWorkerContextMarker prefixes the injected system message listing the
// owner's recent commis jobs, so stale copies can be found and pruned.
const RecentWorkerContextMarker = "[recent-commis-context]"

// recentContextJobs is how many recent jobs the injected context lists.
const recentContextJobs = 5

// markerPruneGraceSeconds protects freshly injected markers from a concurrent
// prune racing the injection.
const markerPruneGraceSeconds = 5

// maxTurns bounds a single loop invocation so a misbehaving model cannot spin
// the course forever.
const maxTurns = 32

// Runner executes concierge and commis agent loops.
type Runner struct {
	threads ThreadStore
	courses CourseStore
	events  Emitter
	llm     llm.Client
	tools   *Registry
	log     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(threads ThreadStore, courseStore CourseStore, emitter Emitter, client llm.Client, tools *Registry, log *slog.Logger) *Runner {
	return &Runner{
		threads: threads,
		courses: courseStore,
		events:  emitter,
		llm:     client,
		tools:   tools,
		log:     log.With(logger.Scope("runner")),
	}
}

// outcomeKind tags the result of a single turn-loop invocation.
type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeSuspend
	outcomeDeferred
	outcomeFailed
	outcomeCancelled
)

// outcome is the tagged return from the inner loop.
type outcome struct {
	kind       outcomeKind
	content    string
	toolCallID string
	err        string
}

// StartCourse creates and synchronously runs a fresh api-triggered course for
// a fiche. It returns the settled (or suspended) course row.
func (r *Runner) StartCourse(ctx context.Context, ownerID, ficheID, userMessage string) (*courses.Course, error) {
	return r.start(ctx, ownerID, ficheID, userMessage, courses.TriggerAPI)
}

// StartScheduledCourse runs a fiche off its task instructions on a schedule
// trigger. Used by the scheduler sweep.
func (r *Runner) StartScheduledCourse(ctx context.Context, f *fiches.Fiche) (*courses.Course, error) {
	task := f.TaskInstructions
	if task == "" {
		task = "Run your scheduled task."
	}
	return r.start(ctx, f.OwnerID, f.ID, task, courses.TriggerSchedule)
}

func (r *Runner) start(ctx context.Context, ownerID, ficheID, userMessage, trigger string) (*courses.Course, error) {
	fiche, err := r.threads.GetFiche(ctx, ficheID, ownerID)
	if err != nil {
		return nil, err
	}
	if fiche == nil {
		return nil, fmt.Errorf("fiche %s not found for owner", ficheID)
	}

	thread, err := r.threads.GetOrCreateThread(ctx, ficheID)
	if err != nil {
		return nil, err
	}

	course := &courses.Course{
		FicheID:  ficheID,
		ThreadID: thread.ID,
		OwnerID:  ownerID,
		Status:   courses.StatusRunning,
		Trigger:  trigger,
	}

	// A deferred predecessor makes this its continuation: same correlation
	// id, linked, continuation trigger.
	if deferred, err := r.courses.LatestDeferredCourse(ctx, ownerID, ficheID); err == nil && deferred != nil {
		course.Trigger = courses.TriggerContinuation
		course.CorrelationID = deferred.CorrelationID
		course.ContinuationOfCourseID = &deferred.ID
	}

	if err := r.courses.CreateCourse(ctx, course); err != nil {
		return nil, err
	}
	_ = r.threads.UpdateFicheStatus(ctx, ficheID, fiches.StatusRunning, nil)

	if err := r.threads.AppendMessage(ctx, &fiches.ThreadMessage{
		ThreadID: thread.ID,
		Role:     fiches.RoleUser,
		Content:  userMessage,
	}); err != nil {
		r.failCourse(ctx, course.ID, fiche, "persist user message: "+err.Error())
		course.Status = courses.StatusFailed
		return course, nil
	}

	r.events.Emit(ctx, course.ID, events.TypeConciergeStarted, map[string]any{
		"fiche_id": ficheID,
		"trigger":  trigger,
	})

	rc := NewRunContext(course.ID, ownerID)
	settled := r.runLoop(ctx, rc, fiche, thread.ID, course.ID)
	course.Status = settled
	return course, nil
}

// RunContinuation is the single entrypoint to resume a WAITING course after
// its commis settles. Idempotent: an existing tool message for toolCallID is
// never duplicated; the loop just re-enters from the persisted conversation.
// The course is assumed to have been transitioned WAITING→RUNNING by the
// caller (the concierge resume path).
func (r *Runner) RunContinuation(ctx context.Context, threadID, courseID, toolCallID, toolResult string) (string, error) {
	msgs, err := r.threads.ListMessages(ctx, threadID)
	if err != nil {
		return "", err
	}

	assistant := lastAssistantMessage(msgs)
	if assistant == nil || !assistant.HasToolCallID(toolCallID) {
		errMsg := fmt.Sprintf("tool_call_id %s not found on the paused assistant message", toolCallID)
		r.events.Emit(ctx, courseID, events.TypeError, map[string]any{"error": errMsg})
		r.events.Emit(ctx, courseID, events.TypeRunUpdated, map[string]any{"status": courses.StatusFailed})
		_ = r.courses.TransitionStatus(ctx, courseID, courses.StatusFailed, &errMsg)
		return courses.StatusFailed, nil
	}

	thread, err := r.threads.GetThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	fiche, err := r.threads.GetFiche(ctx, thread.FicheID, "")
	if err != nil {
		return "", err
	}
	if fiche == nil {
		return "", fmt.Errorf("fiche %s not found for thread %s", thread.FicheID, threadID)
	}

	exists, err := r.threads.HasToolMessage(ctx, threadID, toolCallID)
	if err != nil {
		return "", err
	}
	if !exists {
		name := SpawnCommisTool
		if err := r.threads.AppendMessage(ctx, &fiches.ThreadMessage{
			ThreadID:   threadID,
			Role:       fiches.RoleTool,
			Content:    toolResult,
			ToolCallID: &toolCallID,
			Name:       &name,
		}); err != nil {
			return "", err
		}
	}

	rc := NewRunContext(courseID, fiche.OwnerID)
	return r.runLoop(ctx, rc, fiche, threadID, courseID), nil
}

// runLoop drives turns until the course settles or suspends, and applies the
// resulting state transitions. It never returns an error: every failure path
// settles the course and is reported through events.
func (r *Runner) runLoop(ctx context.Context, rc *RunContext, fiche *fiches.Fiche, threadID, courseID string) string {
	ctx, span := tracing.Start(ctx, "runner.loop",
		attribute.String("course.id", courseID),
		attribute.String("fiche.id", fiche.ID),
	)
	defer span.End()

	out := r.turnLoop(ctx, rc, fiche, threadID, courseID)

	switch out.kind {
	case outcomeDone:
		_ = r.courses.SetSummary(ctx, courseID, summarize(out.content))
		_ = r.courses.TransitionStatus(ctx, courseID, courses.StatusSuccess, nil)
		_ = r.threads.UpdateFicheStatus(ctx, fiche.ID, fiches.StatusIdle, nil)
		r.settleDeferredParent(ctx, courseID)
		r.events.Emit(ctx, courseID, events.TypeConciergeComplete, map[string]any{
			"course_id": courseID,
			"status":    courses.StatusSuccess,
			"message":   out.content,
		})
		return courses.StatusSuccess

	case outcomeSuspend:
		// Course is already WAITING with the job queued; nothing to settle.
		return courses.StatusWaiting

	case outcomeDeferred:
		// The course relinquished execution; a later continuation course
		// settles it.
		_ = r.threads.UpdateFicheStatus(ctx, fiche.ID, fiches.StatusIdle, nil)
		r.events.Emit(ctx, courseID, events.TypeRunUpdated, map[string]any{"status": courses.StatusDeferred})
		return courses.StatusDeferred

	case outcomeCancelled:
		_ = r.threads.UpdateFicheStatus(ctx, fiche.ID, fiches.StatusIdle, nil)
		return courses.StatusCancelled

	default:
		r.failCourse(ctx, courseID, fiche, out.err)
		return courses.StatusFailed
	}
}

func (r *Runner) failCourse(ctx context.Context, courseID string, fiche *fiches.Fiche, errMsg string) {
	_ = r.courses.TransitionStatus(ctx, courseID, courses.StatusFailed, &errMsg)
	if fiche != nil {
		_ = r.threads.UpdateFicheStatus(ctx, fiche.ID, fiches.StatusFailed, &errMsg)
	}
	r.events.Emit(ctx, courseID, events.TypeError, map[string]any{"error": errMsg})
	r.events.Emit(ctx, courseID, events.TypeRunUpdated, map[string]any{"status": courses.StatusFailed})
}

// turnLoop is the inner loop. It returns a tagged outcome instead of throwing
// through the stack: Done carries the final assistant text, Suspend carries
// the tool_call_id whose commis job now owns the course.
func (r *Runner) turnLoop(ctx context.Context, rc *RunContext, fiche *fiches.Fiche, threadID, courseID string) outcome {
	toolSeq := 0

	for turn := 0; turn < maxTurns; turn++ {
		if status, err := r.courses.StatusOf(ctx, courseID); err == nil && status == courses.StatusCancelled {
			return outcome{kind: outcomeCancelled}
		}

		r.injectRecentWorkerContext(ctx, rc, threadID)

		msgs, err := r.threads.ListMessages(ctx, threadID)
		if err != nil {
			return outcome{kind: outcomeFailed, err: "load thread: " + err.Error()}
		}

		llmMsgs := buildLLMMessages(fiche, msgs)
		bound := r.tools.Specs(fiche.AllowedTools)

		r.events.Emit(ctx, courseID, events.TypeConciergeThinking, map[string]any{"turn": turn})

		llmCtx, llmSpan := tracing.Start(ctx, "runner.llm_call",
			attribute.String("course.id", courseID),
			attribute.String("model", fiche.ModelID),
		)
		resp, err := r.llm.Complete(llmCtx, fiche.ModelID, llmMsgs, bound)
		llmSpan.End()
		if err != nil {
			return outcome{kind: outcomeFailed, err: "llm: " + err.Error()}
		}

		if len(resp.ToolCalls) == 0 {
			if err := r.threads.AppendMessage(ctx, &fiches.ThreadMessage{
				ThreadID: threadID,
				Role:     fiches.RoleAssistant,
				Content:  resp.Content,
				Metadata: map[string]any{"fiche_id": fiche.ID},
			}); err != nil {
				return outcome{kind: outcomeFailed, err: "persist assistant message: " + err.Error()}
			}
			return outcome{kind: outcomeDone, content: resp.Content}
		}

		assistant := &fiches.ThreadMessage{
			ThreadID:  threadID,
			Role:      fiches.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: toThreadToolCalls(resp.ToolCalls),
			Metadata:  map[string]any{"fiche_id": fiche.ID},
		}
		if err := r.threads.AppendMessage(ctx, assistant); err != nil {
			return outcome{kind: outcomeFailed, err: "persist assistant message: " + err.Error()}
		}

		for _, tc := range resp.ToolCalls {
			if status, err := r.courses.StatusOf(ctx, courseID); err == nil && status == courses.StatusCancelled {
				return outcome{kind: outcomeCancelled}
			}

			if tc.Name == SpawnCommisTool {
				return r.suspendOnSpawn(ctx, rc, fiche, threadID, courseID, assistant, tc)
			}

			if tc.Name == DeferCourseTool {
				return r.deferCourse(ctx, threadID, courseID, tc)
			}

			toolSeq++
			r.executeLocalTool(ctx, rc, threadID, courseID, tc, toolSeq)
		}
	}

	return outcome{kind: outcomeFailed, err: fmt.Sprintf("turn limit (%d) exceeded", maxTurns)}
}

// suspendOnSpawn persists the suspension: the assistant message already
// carries the tool_calls array, so we queue the paired CommisJob, park the
// course in WAITING, and return without error.
func (r *Runner) suspendOnSpawn(ctx context.Context, rc *RunContext, fiche *fiches.Fiche, threadID, courseID string, assistant *fiches.ThreadMessage, tc llm.ToolCall) outcome {
	var args spawnCommisArgs
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil || strings.TrimSpace(args.Task) == "" {
		toolCallID := tc.ID
		name := SpawnCommisTool
		_ = r.threads.AppendMessage(ctx, &fiches.ThreadMessage{
			ThreadID:   threadID,
			Role:       fiches.RoleTool,
			Content:    errEnvelope("validation", "spawn_commis requires a non-empty task"),
			ToolCallID: &toolCallID,
			Name:       &name,
		})
		return outcome{kind: outcomeFailed, err: "spawn_commis called without a task"}
	}

	cfg := map[string]any{
		"owner_id":       rc.OwnerID,
		"execution_mode": args.executionMode(),
	}
	if args.GitRepo != "" {
		cfg["git_repo"] = args.GitRepo
	}
	if args.ResumeSessionID != "" {
		cfg["resume_session_id"] = args.ResumeSessionID
	}
	if args.TimeoutSeconds > 0 {
		cfg["timeout_seconds"] = args.TimeoutSeconds
	}

	model := args.Model
	if model == "" {
		model = fiche.ModelID
	}

	job := &courses.CommisJob{
		OwnerID:           rc.OwnerID,
		Task:              args.Task,
		Model:             model,
		Status:            courses.JobStatusQueued,
		ConciergeCourseID: courseID,
		ToolCallID:        tc.ID,
		Config:            cfg,
	}
	if err := r.courses.CreateCommisJob(ctx, job); err != nil {
		return outcome{kind: outcomeFailed, err: "queue commis job: " + err.Error()}
	}

	if err := r.courses.SetWaiting(ctx, courseID, assistant.ID); err != nil {
		return outcome{kind: outcomeFailed, err: "suspend course: " + err.Error()}
	}

	r.events.Emit(ctx, courseID, events.TypeCommisSpawned, map[string]any{
		"job_id":       job.ID,
		"tool_call_id": tc.ID,
		"task":         args.Task,
		"owner_id":     rc.OwnerID,
	})

	return outcome{kind: outcomeSuspend, toolCallID: tc.ID}
}

// deferCourse executes the defer_course hand-off: the tool message is
// persisted so the conversation replays cleanly, then the course leaves
// RUNNING for DEFERRED and the loop ends for this invocation.
func (r *Runner) deferCourse(ctx context.Context, threadID, courseID string, tc llm.ToolCall) outcome {
	toolCallID := tc.ID
	name := DeferCourseTool
	_ = r.threads.AppendMessage(ctx, &fiches.ThreadMessage{
		ThreadID:   threadID,
		Role:       fiches.RoleTool,
		Content:    okEnvelope(map[string]string{"status": "deferred"}),
		ToolCallID: &toolCallID,
		Name:       &name,
	})

	if err := r.courses.DeferCourse(ctx, courseID); err != nil {
		return outcome{kind: outcomeFailed, err: "defer course: " + err.Error()}
	}
	return outcome{kind: outcomeDeferred}
}

// settleDeferredParent clears a deferred predecessor once its continuation
// settled successfully. Best-effort: derived bookkeeping never flips a
// SUCCESS to FAILED.
func (r *Runner) settleDeferredParent(ctx context.Context, courseID string) {
	course, err := r.courses.GetCourseByID(ctx, courseID)
	if err != nil || course == nil || course.ContinuationOfCourseID == nil {
		return
	}
	if err := r.courses.SettleDeferredParent(ctx, *course.ContinuationOfCourseID); err != nil {
		r.log.Warn("settle deferred parent failed",
			slog.String("course_id", courseID),
			slog.String("parent_id", *course.ContinuationOfCourseID),
			logger.Error(err),
		)
	}
}

// executeLocalTool runs one locally executable tool call and persists its
// ToolMessage. A tool error is folded into the error envelope so the LLM can
// react on the next turn; it never fails the loop.
func (r *Runner) executeLocalTool(ctx context.Context, rc *RunContext, threadID, courseID string, tc llm.ToolCall, seq int) {
	r.events.Emit(ctx, courseID, events.TypeConciergeToolStart, map[string]any{"tool": tc.Name, "seq": seq})
	r.events.Emit(ctx, courseID, events.TypeToolStarted, map[string]any{"tool": tc.Name, "tool_call_id": tc.ID})

	var content string
	tool, ok := r.tools.Get(tc.Name)
	if !ok {
		content = errEnvelope("unknown_tool", fmt.Sprintf("tool %q is not available", tc.Name))
		r.events.Emit(ctx, courseID, events.TypeToolFailed, map[string]any{"tool": tc.Name, "tool_call_id": tc.ID})
	} else {
		result, err := tool.Execute(ctx, tc.Arguments)
		if err != nil {
			content = errEnvelope("tool_error", err.Error())
			r.events.Emit(ctx, courseID, events.TypeToolFailed, map[string]any{"tool": tc.Name, "tool_call_id": tc.ID, "error": err.Error()})
		} else {
			content = result
			r.events.Emit(ctx, courseID, events.TypeToolCompleted, map[string]any{"tool": tc.Name, "tool_call_id": tc.ID})
		}
	}

	toolCallID := tc.ID
	name := tc.Name
	if err := r.threads.AppendMessage(ctx, &fiches.ThreadMessage{
		ThreadID:   threadID,
		Role:       fiches.RoleTool,
		Content:    content,
		ToolCallID: &toolCallID,
		Name:       &name,
	}); err != nil {
		r.log.Error("persist tool message failed",
			slog.String("course_id", courseID),
			slog.String("tool", tc.Name),
			logger.Error(err),
		)
	}
	_ = rc.NextSeq()
}

// injectRecentWorkerContext prunes stale marker messages and appends a fresh
// system message listing the owner's most recent commis jobs. Best-effort:
// failure never affects the turn.
func (r *Runner) injectRecentWorkerContext(ctx context.Context, rc *RunContext, threadID string) {
	if err := r.threads.DeleteMarkerMessages(ctx, threadID, RecentWorkerContextMarker, markerPruneGraceSeconds); err != nil {
		r.log.Warn("prune recent-worker context failed", slog.String("thread_id", threadID), logger.Error(err))
	}

	jobs, err := r.courses.RecentJobsForOwner(ctx, rc.OwnerID, recentContextJobs)
	if err != nil || len(jobs) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString(RecentWorkerContextMarker)
	b.WriteString(" Recent commis jobs for this owner:\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", j.ID, summarize(j.Task), j.Status)
	}

	if err := r.threads.AppendMessage(ctx, &fiches.ThreadMessage{
		ThreadID: threadID,
		Role:     fiches.RoleSystem,
		Content:  b.String(),
	}); err != nil {
		r.log.Warn("inject recent-worker context failed", slog.String("thread_id", threadID), logger.Error(err))
	}
}

// spawnCommisArgs is the argument shape of the spawn_commis tool call.
type spawnCommisArgs struct {
	Task            string `json:"task"`
	Model           string `json:"model,omitempty"`
	ExecutionMode   string `json:"execution_mode,omitempty"`
	GitRepo         string `json:"git_repo,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

func (a spawnCommisArgs) executionMode() string {
	if a.ExecutionMode == courses.ExecutionModeWorkspace {
		return courses.ExecutionModeWorkspace
	}
	return courses.ExecutionModeStandard
}

// buildLLMMessages assembles the call list: a freshly built system prompt from
// fiche config, then the persisted thread in order.
func buildLLMMessages(fiche *fiches.Fiche, msgs []*fiches.ThreadMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: fiches.RoleSystem, Content: systemPrompt(fiche)})
	for _, m := range msgs {
		lm := llm.Message{Role: m.Role, Content: m.Content}
		if len(m.ToolCalls) > 0 {
			lm.ToolCalls = make([]llm.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				lm.ToolCalls[i] = llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			}
		}
		if m.ToolCallID != nil {
			lm.ToolCallID = *m.ToolCallID
		}
		if m.Name != nil {
			lm.Name = *m.Name
		}
		out = append(out, lm)
	}
	return out
}

func systemPrompt(fiche *fiches.Fiche) string {
	var b strings.Builder
	b.WriteString(fiche.SystemInstructions)
	if fiche.TaskInstructions != "" {
		b.WriteString("\n\nStanding task:\n")
		b.WriteString(fiche.TaskInstructions)
	}
	return b.String()
}

func toThreadToolCalls(in []llm.ToolCall) []fiches.ToolCall {
	out := make([]fiches.ToolCall, len(in))
	for i, tc := range in {
		out[i] = fiches.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	return out
}

func lastAssistantMessage(msgs []*fiches.ThreadMessage) *fiches.ThreadMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == fiches.RoleAssistant {
			return msgs[i]
		}
	}
	return nil
}

// summarize trims s to a single signal-sized line.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
