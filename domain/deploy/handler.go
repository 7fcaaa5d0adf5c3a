package deploy

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ficheops/control-plane/pkg/apperror"
)

// Handler serves the deployment and instance HTTP surface.
type Handler struct {
	svc *Service
}

// NewHandler creates a deploy Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Create serves POST /api/deployments.
func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	dep, plan, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if plan != nil {
		return c.JSON(http.StatusOK, plan)
	}
	return c.JSON(http.StatusOK, dep)
}

// List serves GET /api/deployments.
func (h *Handler) List(c echo.Context) error {
	ds, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ds)
}

// Status serves GET /api/deployments/{id}.
func (h *Handler) Status(c echo.Context) error {
	view, err := h.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// RollbackRequest is the body of POST /api/deployments/{id}/rollback.
type RollbackRequest struct {
	Scope string `json:"scope,omitempty"`
}

// Rollback serves POST /api/deployments/{id}/rollback.
func (h *Handler) Rollback(c echo.Context) error {
	var req RollbackRequest
	_ = c.Bind(&req)

	if err := h.svc.Rollback(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "rolled_back"})
}

// Deprovision serves POST /api/instances/{id}/deprovision.
func (h *Handler) Deprovision(c echo.Context) error {
	if err := h.svc.Deprovision(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deprovisioning"})
}
