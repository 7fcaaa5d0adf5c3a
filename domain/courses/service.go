package courses

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/ficheops/control-plane/internal/database"
	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/logger"
)

// ContinuationRunner is the single entrypoint back into the agent runner
// (C5) used to resume a WAITING course. Defined locally to avoid a dependency
// from courses on runner; the runner domain satisfies it.
type ContinuationRunner interface {
	RunContinuation(ctx context.Context, threadID, courseID, toolCallID, commisResult string) (settledStatus string, err error)
}

// Service implements the course-level operations that span more than a
// single repository call: concierge resume and cancellation.
type Service struct {
	repo   *Repository
	db     bun.IDB
	runner ContinuationRunner
	log    *slog.Logger
}

// NewService creates a courses Service.
func NewService(repo *Repository, db bun.IDB, runner ContinuationRunner, log *slog.Logger) *Service {
	return &Service{repo: repo, db: db, runner: runner, log: log.With(logger.Scope("courses"))}
}

// ResumeResult is the outcome of resume_concierge_with_commis_result.
type ResumeResult struct {
	Status string // "skipped" | settled course status
	Reason string
}

type errSkip struct{ reason string }

func (e errSkip) Error() string { return e.reason }

// Resume implements resume_concierge_with_commis_result (§4.7), the only way
// to unwedge a WAITING course. It opens a short transaction to lock the
// course row, decide the tool_call_id, and transition WAITING→RUNNING, then
// releases the lock before invoking the runner — no DB session is held
// across the runner call.
//
// Concurrency-safe: the first concurrent resumer observes WAITING and
// proceeds; any other observes a non-WAITING status and returns skipped.
func (s *Service) Resume(ctx context.Context, courseID, commisResult string, jobID *string) (ResumeResult, error) {
	var toolCallID, threadID string

	tx, err := database.BeginSafeTx(ctx, s.db)
	if err != nil {
		return ResumeResult{}, apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	course, err := s.repo.LockCourseForUpdate(ctx, tx, courseID)
	if err != nil {
		return ResumeResult{}, err
	}
	if course == nil {
		return ResumeResult{}, apperror.ErrNotFound
	}
	if course.Status != StatusWaiting {
		return ResumeResult{Status: "skipped", Reason: "not waiting"}, nil
	}

	if jobID != nil {
		job, err := s.repo.GetCommisJob(ctx, *jobID)
		if err != nil {
			return ResumeResult{}, err
		}
		if job == nil {
			return ResumeResult{Status: "skipped", Reason: "job not found"}, nil
		}
		toolCallID = job.ToolCallID
	} else {
		job, err := s.repo.NonTerminalCommisJobForCourse(ctx, tx, courseID)
		if err != nil {
			return ResumeResult{}, err
		}
		if job == nil {
			msg := "no tool_call_id resolvable on resume"
			if _, err := tx.NewUpdate().Model((*Course)(nil)).
				Set("status = ?", StatusFailed).
				Set("error = ?", msg).
				Set("finished_at = now()").
				Where("id = ?", courseID).
				Exec(ctx); err != nil {
				return ResumeResult{}, apperror.ErrDatabase.WithInternal(err)
			}
			if err := tx.Commit(); err != nil {
				return ResumeResult{}, apperror.ErrDatabase.WithInternal(err)
			}
			return ResumeResult{Status: StatusFailed, Reason: msg}, nil
		}
		toolCallID = job.ToolCallID
	}

	threadID = course.ThreadID

	if _, err := tx.NewUpdate().Model((*Course)(nil)).
		Set("status = ?", StatusRunning).
		Where("id = ?", courseID).
		Exec(ctx); err != nil {
		return ResumeResult{}, apperror.ErrDatabase.WithInternal(err)
	}
	if err := tx.Commit(); err != nil {
		return ResumeResult{}, apperror.ErrDatabase.WithInternal(err)
	}

	settled, err := s.runner.RunContinuation(ctx, threadID, courseID, toolCallID, commisResult)
	if err != nil {
		s.log.Error("run_continuation failed", slog.String("course_id", courseID), logger.Error(err))
		_ = s.repo.TransitionStatus(ctx, courseID, StatusFailed, strPtr(err.Error()))
		return ResumeResult{Status: StatusFailed}, nil
	}
	return ResumeResult{Status: settled}, nil
}

// Cancel transitions a non-terminal course to CANCELLED on operator intent.
// The runner observes the new status between LLM calls and exits cleanly.
// Returns skipped when the course is already terminal.
func (s *Service) Cancel(ctx context.Context, courseID, ownerID string) (ResumeResult, error) {
	course, err := s.repo.GetCourse(ctx, courseID, ownerID)
	if err != nil {
		return ResumeResult{}, err
	}
	if course == nil {
		return ResumeResult{}, apperror.ErrNotFound
	}

	tx, err := database.BeginSafeTx(ctx, s.db)
	if err != nil {
		return ResumeResult{}, apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	cancelled, err := s.repo.CancelCourse(ctx, tx, courseID)
	if err != nil {
		return ResumeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResumeResult{}, apperror.ErrDatabase.WithInternal(err)
	}

	if !cancelled {
		return ResumeResult{Status: "skipped", Reason: "already terminal"}, nil
	}
	return ResumeResult{Status: StatusCancelled}, nil
}

func strPtr(s string) *string { return &s }
