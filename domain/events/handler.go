package events

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/auth"
	"github.com/ficheops/control-plane/pkg/sse"
)

// CourseAccessor is the minimal course-state view the stream handler needs to
// authorize an SSE attach and decide whether to resume live or replay once.
// Satisfied by the courses domain's repository; kept local to avoid a
// dependency from events on courses.
type CourseAccessor interface {
	// Snapshot returns the course's status if it is owned by ownerID, or
	// ("", apperror.ErrNotFound) otherwise.
	Snapshot(ctx context.Context, courseID, ownerID string) (status string, err error)
}

// Handler serves the SSE stream and raw event/timeline reads.
type Handler struct {
	repo     *Repository
	bus      *Bus
	accessor CourseAccessor
}

// NewHandler creates an events Handler.
func NewHandler(repo *Repository, bus *Bus, accessor CourseAccessor) *Handler {
	return &Handler{repo: repo, bus: bus, accessor: accessor}
}

const heartbeatInterval = 30 * time.Second

// isTerminalStatus reports whether a course status admits no further events.
func isTerminalStatus(status string) bool {
	switch status {
	case "SUCCESS", "FAILED", "CANCELLED":
		return true
	default:
		return false
	}
}

// Stream serves GET /api/jarvis/courses/{id}/stream.
//
// It uses only a short-lived DB session to authorize and snapshot; no
// session is held while streaming. For a terminal course it replays a single
// completion frame and closes. For a live course it subscribes to the bus and
// streams until client disconnect or course settlement.
func (h *Handler) Stream(c echo.Context) error {
	user := auth.GetUser(c)
	courseID := c.Param("id")

	status, err := h.accessor.Snapshot(c.Request().Context(), courseID, user.ID)
	if err != nil {
		return err
	}

	w := sse.NewWriter(c.Response())
	if err := w.Start(); err != nil {
		return apperror.ErrInternal.WithInternal(err)
	}
	defer w.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := w.WriteEvent(TypeConnected, Frame{Type: TypeConnected, Payload: map[string]any{"course_id": courseID}, Timestamp: now}); err != nil {
		return nil
	}

	if isTerminalStatus(status) {
		frameType := TypeConciergeComplete
		if status == "FAILED" {
			frameType = TypeError
		}
		evs, err := h.repo.List(c.Request().Context(), courseID, frameType, 0)
		payload := map[string]any{"course_id": courseID, "status": status}
		if err == nil && len(evs) > 0 {
			payload = evs[len(evs)-1].Payload
		}
		_ = w.WriteEvent(frameType, Frame{Type: frameType, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
		return nil
	}

	ch, unsubscribe := h.bus.Subscribe("course:" + courseID)
	defer unsubscribe()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			if err := w.WriteEvent(frame.Type, frame); err != nil {
				return nil
			}
			if isTerminalStatus(frame.Type) || frame.Type == TypeConciergeComplete || frame.Type == TypeError {
				return nil
			}
		case <-ticker.C:
			hb := Frame{Type: TypeHeartbeat, Payload: map[string]any{}, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
			if err := w.WriteEvent(TypeHeartbeat, hb); err != nil {
				return nil
			}
		}
	}
}

// ListEvents serves GET /api/jarvis/courses/{id}/events.
func (h *Handler) ListEvents(c echo.Context) error {
	user := auth.GetUser(c)
	courseID := c.Param("id")

	if _, err := h.accessor.Snapshot(c.Request().Context(), courseID, user.ID); err != nil {
		return err
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	evs, err := h.repo.List(c.Request().Context(), courseID, c.QueryParam("event_type"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, evs)
}

// Timeline serves GET /api/jarvis/courses/{id}/timeline.
func (h *Handler) Timeline(c echo.Context) error {
	user := auth.GetUser(c)
	courseID := c.Param("id")

	if _, err := h.accessor.Snapshot(c.Request().Context(), courseID, user.ID); err != nil {
		return err
	}

	timeline, err := h.repo.Timeline(c.Request().Context(), courseID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, timeline)
}
