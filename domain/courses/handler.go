package courses

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ficheops/control-plane/domain/events"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/auth"
)

// ChatRunner is the entrypoint used by the chat handler to start a fresh
// course. Defined locally to avoid a dependency from courses on runner.
type ChatRunner interface {
	StartCourse(ctx context.Context, ownerID, ficheID, userMessage string) (*Course, error)
}

// Handler serves the /api/jarvis/* HTTP surface.
type Handler struct {
	repo      *Repository
	svc       *Service
	ficheRepo *fiches.Repository
	events    *events.Service
	chat      ChatRunner
}

// NewHandler creates a courses Handler.
func NewHandler(repo *Repository, svc *Service, ficheRepo *fiches.Repository, eventsSvc *events.Service, chat ChatRunner) *Handler {
	return &Handler{repo: repo, svc: svc, ficheRepo: ficheRepo, events: eventsSvc, chat: chat}
}

// ChatRequest is the body of POST /api/jarvis/chat.
type ChatRequest struct {
	FicheID string `json:"fiche_id"`
	Message string `json:"message"`
}

// Chat serves POST /api/jarvis/chat.
func (h *Handler) Chat(c echo.Context) error {
	user := auth.GetUser(c)

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if req.FicheID == "" || req.Message == "" {
		return apperror.NewBadRequest("fiche_id and message are required")
	}

	fiche, err := h.ficheRepo.GetFiche(c.Request().Context(), req.FicheID, user.ID)
	if err != nil {
		return err
	}
	if fiche == nil {
		return apperror.NewNotFound("fiche", req.FicheID)
	}

	course, err := h.chat.StartCourse(c.Request().Context(), user.ID, req.FicheID, req.Message)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, course)
}

// courseListItem augments a Course with its derived list-view signal.
type courseListItem struct {
	*Course
	Signal       string `json:"signal"`
	SignalSource string `json:"signal_source"`
}

// ListCourses serves GET /api/jarvis/courses. Each course carries a derived
// one-line signal, falling back summary → error → last message → last event.
func (h *Handler) ListCourses(c echo.Context) error {
	user := auth.GetUser(c)
	ctx := c.Request().Context()

	cs, err := h.repo.ListByOwner(ctx, user.ID, 50)
	if err != nil {
		return err
	}

	ids := make([]string, len(cs))
	for i, course := range cs {
		ids[i] = course.ID
	}
	latestEvents, err := h.events.Repository().LatestPerCourse(ctx, ids)
	if err != nil {
		latestEvents = map[string]*events.Event{}
	}

	items := make([]courseListItem, 0, len(cs))
	for _, course := range cs {
		in := CourseSignalInputs{Summary: course.Summary, Error: course.Error}

		// The two fallbacks cost extra reads; only pay when needed.
		if (in.Summary == nil || *in.Summary == "") && (in.Error == nil || *in.Error == "") {
			if msg, err := h.ficheRepo.LastMessageForThread(ctx, course.ThreadID); err == nil && msg != nil && msg.Content != "" {
				in.LastMessage = &msg.Content
			}
			if ev, ok := latestEvents[course.ID]; ok {
				in.LastEventType = &ev.EventType
			}
		}

		signal, source := DeriveSignal(in)
		items = append(items, courseListItem{Course: course, Signal: signal, SignalSource: source})
	}
	return c.JSON(http.StatusOK, items)
}

// ActiveCourse serves GET /api/jarvis/courses/active.
func (h *Handler) ActiveCourse(c echo.Context) error {
	user := auth.GetUser(c)

	course, err := h.repo.ActiveForOwner(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	if course == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, course)
}

// courseSnapshot is the response shape for GET /api/jarvis/courses/{id}.
type courseSnapshot struct {
	*Course
	Result *string `json:"result,omitempty"`
}

// GetCourse serves GET /api/jarvis/courses/{id}. Result is populated only on
// SUCCESS.
func (h *Handler) GetCourse(c echo.Context) error {
	user := auth.GetUser(c)

	course, err := h.repo.GetCourse(c.Request().Context(), c.Param("id"), user.ID)
	if err != nil {
		return err
	}
	if course == nil {
		return apperror.NewNotFound("course", c.Param("id"))
	}

	snap := courseSnapshot{Course: course}
	if course.Status == StatusSuccess {
		snap.Result = course.Summary
	}
	return c.JSON(http.StatusOK, snap)
}

// Cancel serves POST /api/jarvis/courses/{id}/cancel.
func (h *Handler) Cancel(c echo.Context) error {
	user := auth.GetUser(c)

	res, err := h.svc.Cancel(c.Request().Context(), c.Param("id"), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
