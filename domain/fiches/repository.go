package fiches

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/ficheops/control-plane/pkg/apperror"
)

// Repository persists fiches, threads, and thread messages.
type Repository struct {
	db bun.IDB
}

// NewRepository creates a fiches Repository.
func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

// CreateFiche inserts a new fiche.
func (r *Repository) CreateFiche(ctx context.Context, f *Fiche) error {
	if _, err := r.db.NewInsert().Model(f).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetFiche returns a fiche owned by ownerID, or nil if not found.
func (r *Repository) GetFiche(ctx context.Context, id, ownerID string) (*Fiche, error) {
	f := new(Fiche)
	err := r.db.NewSelect().Model(f).Where("id = ? AND owner_id = ?", id, ownerID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return f, nil
}

// ListFiches returns ownerID's fiches, newest first.
func (r *Repository) ListFiches(ctx context.Context, ownerID string) ([]*Fiche, error) {
	var fs []*Fiche
	err := r.db.NewSelect().Model(&fs).Where("owner_id = ?", ownerID).Order("created_at DESC").Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return fs, nil
}

// DeleteFiche removes an owner's fiche. Reports whether a row was deleted.
// A fiche with recorded courses is protected by FK constraints; that
// surfaces as a conflict rather than silently dropping history.
func (r *Repository) DeleteFiche(ctx context.Context, id, ownerID string) (bool, error) {
	res, err := r.db.NewDelete().Model((*Fiche)(nil)).Where("id = ? AND owner_id = ?", id, ownerID).Exec(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "violates foreign key constraint") {
			return false, apperror.ErrConflict.WithMessage("fiche has recorded courses; it cannot be deleted")
		}
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateFicheStatus transitions a fiche's status, optionally recording an error.
func (r *Repository) UpdateFicheStatus(ctx context.Context, id, status string, lastError *string) error {
	q := r.db.NewUpdate().Model((*Fiche)(nil)).
		Set("status = ?", status).
		Set("updated_at = now()").
		Where("id = ?", id)
	if lastError != nil {
		q = q.Set("last_error = ?", *lastError)
	}
	if _, err := q.Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetOrCreateThread returns the single thread for a fiche, creating it on first use.
func (r *Repository) GetOrCreateThread(ctx context.Context, ficheID string) (*Thread, error) {
	t := new(Thread)
	err := r.db.NewSelect().Model(t).Where("fiche_id = ?", ficheID).Order("created_at ASC").Limit(1).Scan(ctx)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	t = &Thread{FicheID: ficheID}
	if _, err := r.db.NewInsert().Model(t).Exec(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return t, nil
}

// GetThread returns a thread by id.
func (r *Repository) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	t := new(Thread)
	err := r.db.NewSelect().Model(t).Where("id = ?", threadID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return t, nil
}

// ListMessages returns a thread's messages in sequence order.
func (r *Repository) ListMessages(ctx context.Context, threadID string) ([]*ThreadMessage, error) {
	var msgs []*ThreadMessage
	err := r.db.NewSelect().Model(&msgs).Where("thread_id = ?", threadID).Order("seq ASC").Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return msgs, nil
}

// LastMessageForThread returns a thread's most recent non-system message, or
// nil for an empty thread.
func (r *Repository) LastMessageForThread(ctx context.Context, threadID string) (*ThreadMessage, error) {
	m := new(ThreadMessage)
	err := r.db.NewSelect().Model(m).
		Where("thread_id = ? AND role != ?", threadID, RoleSystem).
		Order("seq DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return m, nil
}

// AppendMessage appends a new message to a thread, returning the generated id
// and seq on the model.
func (r *Repository) AppendMessage(ctx context.Context, m *ThreadMessage) error {
	if _, err := r.db.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// HasToolMessage reports whether a tool response for toolCallID already exists,
// making run_continuation idempotent.
func (r *Repository) HasToolMessage(ctx context.Context, threadID, toolCallID string) (bool, error) {
	count, err := r.db.NewSelect().Model((*ThreadMessage)(nil)).
		Where("thread_id = ? AND role = ? AND tool_call_id = ?", threadID, RoleTool, toolCallID).
		Count(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return count > 0, nil
}

// DeleteMarkerMessages deletes system messages in a thread matching a marker prefix,
// excluding rows younger than the given cutoff, used to garbage-collect stale
// recent-worker-context injections.
func (r *Repository) DeleteMarkerMessages(ctx context.Context, threadID, markerPrefix string, olderThanSeconds int) error {
	_, err := r.db.NewDelete().Model((*ThreadMessage)(nil)).
		Where("thread_id = ? AND role = ? AND content LIKE ?", threadID, RoleSystem, markerPrefix+"%").
		Where("created_at < now() - make_interval(secs => ?)", olderThanSeconds).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// UpdateFicheSchedule stamps a fiche's schedule bookkeeping after a
// triggered run.
func (r *Repository) UpdateFicheSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error {
	_, err := r.db.NewUpdate().Model((*Fiche)(nil)).
		Set("last_run_at = ?", lastRunAt).
		Set("next_run_at = ?", nextRunAt).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// RunningFiches returns every fiche currently marked running, for recovery.
func (r *Repository) RunningFiches(ctx context.Context) ([]*Fiche, error) {
	var out []*Fiche
	err := r.db.NewSelect().Model(&out).Where("status = ?", StatusRunning).Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return out, nil
}

// DueFiches returns fiches whose next_run_at has passed, for the schedule sweep.
func (r *Repository) DueFiches(ctx context.Context) ([]*Fiche, error) {
	var fiches []*Fiche
	err := r.db.NewSelect().Model(&fiches).
		Where("next_run_at IS NOT NULL AND next_run_at <= now()").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return fiches, nil
}
