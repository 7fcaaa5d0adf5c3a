package courses

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/ficheops/control-plane/pkg/apperror"
)

// Repository persists Course, CommisJob, and RunnerJob rows and enforces
// their transition rules.
type Repository struct {
	db bun.IDB
}

// NewRepository creates a courses Repository.
func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

// CreateCourse inserts a new QUEUED (or caller-specified status) course.
func (r *Repository) CreateCourse(ctx context.Context, c *Course) error {
	if _, err := r.db.NewInsert().Model(c).Returning("*").Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetCourse returns a course owned by ownerID, or nil if absent.
func (r *Repository) GetCourse(ctx context.Context, id, ownerID string) (*Course, error) {
	c := new(Course)
	err := r.db.NewSelect().Model(c).Where("id = ? AND owner_id = ?", id, ownerID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return c, nil
}

// Snapshot implements events.CourseAccessor: it returns a course's status if
// owned by ownerID, apperror.ErrNotFound otherwise.
func (r *Repository) Snapshot(ctx context.Context, courseID, ownerID string) (string, error) {
	c, err := r.GetCourse(ctx, courseID, ownerID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", apperror.ErrNotFound
	}
	return c.Status, nil
}

// ListByOwner returns recent courses for ownerID, most recent first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Course, error) {
	if limit <= 0 {
		limit = 50
	}
	var cs []*Course
	err := r.db.NewSelect().Model(&cs).Where("owner_id = ?", ownerID).Order("created_at DESC").Limit(limit).Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return cs, nil
}

// ActiveForOwner returns the most recent non-terminal course for ownerID, or
// nil if none. DEFERRED is treated as active until a continuation settles it.
func (r *Repository) ActiveForOwner(ctx context.Context, ownerID string) (*Course, error) {
	c := new(Course)
	err := r.db.NewSelect().Model(c).
		Where("owner_id = ? AND status NOT IN (?, ?, ?)", ownerID, StatusSuccess, StatusFailed, StatusCancelled).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return c, nil
}

// TransitionStatus moves a course to a new status unconditionally under a row
// lock via a single UPDATE. Callers needing compare-and-set should use
// LockCourseForUpdate + explicit status check within a transaction instead.
func (r *Repository) TransitionStatus(ctx context.Context, id, status string, errMsg *string) error {
	q := r.db.NewUpdate().Model((*Course)(nil)).Set("status = ?", status).Where("id = ?", id)
	if errMsg != nil {
		q = q.Set("error = ?", *errMsg)
	}
	if IsTerminal(status) {
		q = q.Set("finished_at = now()")
	}
	if _, err := q.Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SetWaiting transitions a course to WAITING and records the assistant
// message that carries the suspending tool call.
func (r *Repository) SetWaiting(ctx context.Context, id, assistantMessageID string) error {
	_, err := r.db.NewUpdate().Model((*Course)(nil)).
		Set("status = ?", StatusWaiting).
		Set("assistant_message_id = ?", assistantMessageID).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SetSummary records a settled course's summary text.
func (r *Repository) SetSummary(ctx context.Context, id, summary string) error {
	_, err := r.db.NewUpdate().Model((*Course)(nil)).Set("summary = ?", summary).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// LockCourseForUpdate re-reads a course FOR UPDATE within tx, the basis for
// every compare-and-set transition (resume, cancel, recovery).
func (r *Repository) LockCourseForUpdate(ctx context.Context, tx bun.IDB, id string) (*Course, error) {
	c := new(Course)
	err := tx.NewSelect().Model(c).Where("id = ?", id).For("UPDATE").Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return c, nil
}

// NonTerminalCommisJobForCourse returns the single non-terminal CommisJob for
// a concierge course, or nil if none exists.
func (r *Repository) NonTerminalCommisJobForCourse(ctx context.Context, db bun.IDB, courseID string) (*CommisJob, error) {
	j := new(CommisJob)
	err := db.NewSelect().Model(j).
		Where("concierge_course_id = ? AND status IN (?, ?)", courseID, JobStatusQueued, JobStatusRunning).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return j, nil
}

// CreateCommisJob inserts a new queued CommisJob.
func (r *Repository) CreateCommisJob(ctx context.Context, j *CommisJob) error {
	if _, err := r.db.NewInsert().Model(j).Returning("*").Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetCommisJob returns a job by id.
func (r *Repository) GetCommisJob(ctx context.Context, id string) (*CommisJob, error) {
	j := new(CommisJob)
	err := r.db.NewSelect().Model(j).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return j, nil
}

// ClaimCommisJobs atomically claims up to n queued jobs via
// UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED) RETURNING, the
// sole mechanism by which a job moves to running.
func (r *Repository) ClaimCommisJobs(ctx context.Context, n int) ([]*CommisJob, error) {
	var jobs []*CommisJob
	err := r.db.NewRaw(`
		UPDATE core.commis_jobs
		SET status = 'running', started_at = now()
		WHERE id IN (
			SELECT id FROM core.commis_jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, n).Scan(ctx, &jobs)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return jobs, nil
}

// CountQueuedJobs returns the current queue depth, for metrics.
func (r *Repository) CountQueuedJobs(ctx context.Context) (int, error) {
	count, err := r.db.NewSelect().Model((*CommisJob)(nil)).Where("status = ?", JobStatusQueued).Count(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return count, nil
}

// FinishCommisJob sets a job's terminal status.
func (r *Repository) FinishCommisJob(ctx context.Context, id, status string, errMsg *string, commisID *string) error {
	q := r.db.NewUpdate().Model((*CommisJob)(nil)).
		Set("status = ?", status).
		Set("finished_at = now()").
		Where("id = ?", id)
	if errMsg != nil {
		q = q.Set("error = ?", *errMsg)
	}
	if commisID != nil {
		q = q.Set("commis_id = ?", *commisID)
	}
	if _, err := q.Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// RecoverOrphanedRunningJobs transitions every running CommisJob to failed,
// per recovery step 2. Queued jobs are deliberately left alone.
func (r *Repository) RecoverOrphanedRunningJobs(ctx context.Context, errMsg string) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		UPDATE core.commis_jobs
		SET status = 'failed', error = ?, finished_at = now()
		WHERE status = 'running'
		RETURNING id
	`, errMsg).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// RecoverOrphanedCourses transitions every Course in {RUNNING, QUEUED,
// DEFERRED} to FAILED, per recovery step 1. WAITING is left alone.
func (r *Repository) RecoverOrphanedCourses(ctx context.Context, errMsg string) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		UPDATE core.courses
		SET status = 'FAILED', error = ?, finished_at = now()
		WHERE status IN ('RUNNING', 'QUEUED', 'DEFERRED')
		RETURNING id
	`, errMsg).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// WaitingCoursesWithNoNonTerminalJob returns WAITING courses whose sole
// CommisJob was just failed by recovery, the orphan case resolved by the
// supplemented step 2.5.
func (r *Repository) WaitingCoursesWithNoNonTerminalJob(ctx context.Context) ([]*Course, error) {
	var cs []*Course
	err := r.db.NewRaw(`
		SELECT c.* FROM core.courses c
		WHERE c.status = 'WAITING'
		AND NOT EXISTS (
			SELECT 1 FROM core.commis_jobs j
			WHERE j.concierge_course_id = c.id AND j.status IN ('queued', 'running')
		)
	`).Scan(ctx, &cs)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return cs, nil
}

// RecoverRunnerJobs transitions queued and running RunnerJobs to failed, per
// recovery step 3.
func (r *Repository) RecoverRunnerJobs(ctx context.Context, errMsg string) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		UPDATE core.runner_jobs
		SET status = 'failed', error = ?, finished_at = now()
		WHERE status IN ('queued', 'running')
		RETURNING id
	`, errMsg).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// HasNonTerminalCourseForFiche reports whether ficheID has any non-terminal
// course, used by recovery step 4.
func (r *Repository) HasNonTerminalCourseForFiche(ctx context.Context, ficheID string) (bool, error) {
	count, err := r.db.NewSelect().Model((*Course)(nil)).
		Where("fiche_id = ? AND status NOT IN (?, ?, ?)", ficheID, StatusSuccess, StatusFailed, StatusCancelled).
		Count(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return count > 0, nil
}

// GetCourseByID returns a course without owner scoping, for internal runner
// bookkeeping. HTTP reads go through GetCourse.
func (r *Repository) GetCourseByID(ctx context.Context, id string) (*Course, error) {
	c := new(Course)
	err := r.db.NewSelect().Model(c).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return c, nil
}

// DeferCourse transitions a RUNNING course to DEFERRED: it relinquishes
// execution and expects a later continuation course to settle it.
func (r *Repository) DeferCourse(ctx context.Context, id string) error {
	res, err := r.db.NewUpdate().Model((*Course)(nil)).
		Set("status = ?", StatusDeferred).
		Where("id = ? AND status = ?", id, StatusRunning).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return apperror.ErrConflict.WithMessage("course is not running")
	}
	return nil
}

// LatestDeferredCourse returns the owner's most recent DEFERRED course for a
// fiche, or nil. A fresh course for that fiche becomes its continuation.
func (r *Repository) LatestDeferredCourse(ctx context.Context, ownerID, ficheID string) (*Course, error) {
	c := new(Course)
	err := r.db.NewSelect().Model(c).
		Where("owner_id = ? AND fiche_id = ? AND status = ?", ownerID, ficheID, StatusDeferred).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return c, nil
}

// SettleDeferredParent marks a DEFERRED course SUCCESS once its continuation
// course settled successfully, clearing it from the active-course query.
func (r *Repository) SettleDeferredParent(ctx context.Context, parentID string) error {
	_, err := r.db.NewUpdate().Model((*Course)(nil)).
		Set("status = ?", StatusSuccess).
		Set("finished_at = now()").
		Where("id = ? AND status = ?", parentID, StatusDeferred).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// StatusOf returns a course's current status without owner scoping, for
// internal loop checks (cancellation between LLM calls and tool executions).
func (r *Repository) StatusOf(ctx context.Context, id string) (string, error) {
	var status string
	err := r.db.NewSelect().Model((*Course)(nil)).Column("status").Where("id = ?", id).Scan(ctx, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperror.ErrNotFound
	}
	if err != nil {
		return "", apperror.ErrDatabase.WithInternal(err)
	}
	return status, nil
}

// CancelCourse transitions a non-terminal course to CANCELLED under a row
// lock. Returns false when the course was already terminal.
func (r *Repository) CancelCourse(ctx context.Context, tx bun.IDB, id string) (bool, error) {
	c, err := r.LockCourseForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, apperror.ErrNotFound
	}
	if IsTerminal(c.Status) {
		return false, nil
	}
	_, err = tx.NewUpdate().Model((*Course)(nil)).
		Set("status = ?", StatusCancelled).
		Set("finished_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return true, nil
}

// RecentJobsForOwner returns ownerID's most recent commis jobs, newest first,
// for the recent-worker context injection.
func (r *Repository) RecentJobsForOwner(ctx context.Context, ownerID string, limit int) ([]*CommisJob, error) {
	if limit <= 0 {
		limit = 5
	}
	var jobs []*CommisJob
	err := r.db.NewSelect().Model(&jobs).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return jobs, nil
}

// TimeoutOverdueRunningJobs transitions running commis jobs whose deadline has
// long passed to timeout. A sweep companion to the dispatcher's own per-job
// timeout, for jobs whose owning task died without crashing the process.
func (r *Repository) TimeoutOverdueRunningJobs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	var ids []string
	err := r.db.NewRaw(`
		UPDATE core.commis_jobs
		SET status = 'timeout', error = 'Commis job exceeded its timeout', finished_at = now()
		WHERE status = 'running' AND started_at < now() - make_interval(secs => ?)
		RETURNING id
	`, int(olderThan.Seconds())).Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// CourseSignalInputs bundles the fields needed to derive a course's list-view
// signal without a second round trip.
type CourseSignalInputs struct {
	Summary       *string
	Error         *string
	LastMessage   *string
	LastEventType *string
}

// DeriveSignal picks the most specific available signal, preferring summary,
// then error, then the thread's last message, then the latest event type.
func DeriveSignal(in CourseSignalInputs) (signal, source string) {
	if in.Summary != nil && *in.Summary != "" {
		return *in.Summary, "summary"
	}
	if in.Error != nil && *in.Error != "" {
		return *in.Error, "error"
	}
	if in.LastMessage != nil && *in.LastMessage != "" {
		return *in.LastMessage, "last_message"
	}
	if in.LastEventType != nil && *in.LastEventType != "" {
		return *in.LastEventType, "last_event"
	}
	return "", ""
}
