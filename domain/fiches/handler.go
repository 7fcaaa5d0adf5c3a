package fiches

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/auth"
)

// Handler serves the fiche management HTTP surface.
type Handler struct {
	repo *Repository
}

// NewHandler creates a fiches Handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// CreateRequest is the body of POST /api/fiches.
type CreateRequest struct {
	Name               string   `json:"name"`
	SystemInstructions string   `json:"system_instructions,omitempty"`
	TaskInstructions   string   `json:"task_instructions,omitempty"`
	ModelID            string   `json:"model_id"`
	AllowedTools       []string `json:"allowed_tools,omitempty"`
	CronSchedule       *string  `json:"cron_schedule,omitempty"`
}

// Create serves POST /api/fiches.
func (h *Handler) Create(c echo.Context) error {
	user := auth.GetUser(c)

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if req.Name == "" || req.ModelID == "" {
		return apperror.ErrValidation.WithMessage("name and model_id are required")
	}
	if req.AllowedTools == nil {
		req.AllowedTools = []string{}
	}

	fiche := &Fiche{
		OwnerID:            user.ID,
		Name:               req.Name,
		SystemInstructions: req.SystemInstructions,
		TaskInstructions:   req.TaskInstructions,
		ModelID:            req.ModelID,
		AllowedTools:       req.AllowedTools,
		Status:             StatusIdle,
		CronSchedule:       req.CronSchedule,
	}
	if err := h.repo.CreateFiche(c.Request().Context(), fiche); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fiche)
}

// List serves GET /api/fiches.
func (h *Handler) List(c echo.Context) error {
	user := auth.GetUser(c)
	fs, err := h.repo.ListFiches(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fs)
}

// Get serves GET /api/fiches/{id}.
func (h *Handler) Get(c echo.Context) error {
	user := auth.GetUser(c)
	fiche, err := h.repo.GetFiche(c.Request().Context(), c.Param("id"), user.ID)
	if err != nil {
		return err
	}
	if fiche == nil {
		return apperror.NewNotFound("fiche", c.Param("id"))
	}
	return c.JSON(http.StatusOK, fiche)
}

// Delete serves DELETE /api/fiches/{id}. Destroying a fiche is the one
// explicit user action that removes its thread history with it.
func (h *Handler) Delete(c echo.Context) error {
	user := auth.GetUser(c)
	deleted, err := h.repo.DeleteFiche(c.Request().Context(), c.Param("id"), user.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return apperror.NewNotFound("fiche", c.Param("id"))
	}
	return c.NoContent(http.StatusNoContent)
}
