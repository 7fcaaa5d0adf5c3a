package events

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/logger"
)

// Repository appends and queries the event log.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates an events Repository.
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{db: db, log: log.With(logger.Scope("events"))}
}

// Append inserts a new event row and returns it.
func (r *Repository) Append(ctx context.Context, courseID, eventType string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := &Event{CourseID: courseID, EventType: eventType, Payload: payload}
	if _, err := r.db.NewInsert().Model(ev).Returning("*").Exec(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ev, nil
}

// Emit appends an event, logging (never raising) on failure. Events are derived
// data: a failure to record one must never fail the caller's operation.
func (r *Repository) Emit(ctx context.Context, courseID, eventType string, payload map[string]any) {
	if _, err := r.Append(ctx, courseID, eventType, payload); err != nil {
		r.log.Error("emit_course_event failed",
			slog.String("course_id", courseID),
			slog.String("event_type", eventType),
			logger.Error(err),
		)
	}
}

// List returns a course's events ordered by creation, optionally filtered by type.
func (r *Repository) List(ctx context.Context, courseID string, eventType string, limit int) ([]*Event, error) {
	q := r.db.NewSelect().Model((*Event)(nil)).Where("course_id = ?", courseID).Order("created_at ASC", "id ASC")
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var evs []*Event
	if err := q.Scan(ctx, &evs); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return evs, nil
}

// LatestPerCourse returns the single most recent event for each of courseIDs,
// via a window function, for list-view rendering.
func (r *Repository) LatestPerCourse(ctx context.Context, courseIDs []string) (map[string]*Event, error) {
	if len(courseIDs) == 0 {
		return map[string]*Event{}, nil
	}

	var rows []*Event
	err := r.db.NewSelect().
		With("ranked", r.db.NewSelect().
			Model((*Event)(nil)).
			ColumnExpr("*, row_number() OVER (PARTITION BY course_id ORDER BY created_at DESC, id DESC) AS rn").
			Where("course_id IN (?)", bun.In(courseIDs)),
		).
		Table("ranked").
		ColumnExpr("id, course_id, event_type, payload, created_at").
		Where("rn = 1").
		Scan(ctx, &rows)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	out := make(map[string]*Event, len(rows))
	for _, ev := range rows {
		out[ev.CourseID] = ev
	}
	return out, nil
}

// Timeline loads a course's events and derives offsets and phase durations.
func (r *Repository) Timeline(ctx context.Context, courseID string) (*Timeline, error) {
	evs, err := r.List(ctx, courseID, "", 0)
	if err != nil {
		return nil, err
	}
	return DeriveTimeline(evs), nil
}
