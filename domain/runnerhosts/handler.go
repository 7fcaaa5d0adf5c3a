package runnerhosts

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ficheops/control-plane/pkg/apperror"
)

// Handler serves the /api/runners HTTP surface.
type Handler struct {
	svc *Service
}

// NewHandler creates a runnerhosts Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// MintToken serves POST /api/runners/enroll-token.
func (h *Handler) MintToken(c echo.Context) error {
	tok, err := h.svc.MintToken(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tok)
}

// Register serves POST /api/runners/register. Registration authenticates by
// enrollment token alone; it is the one unauthenticated runner route.
func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if req.EnrollToken == "" {
		return apperror.NewBadRequest("enroll_token is required")
	}

	reg, err := h.svc.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reg)
}

// List serves GET /api/runners.
func (h *Handler) List(c echo.Context) error {
	hs, err := h.svc.repo.ListRunnerHosts(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hs)
}

// RotateSecret serves POST /api/runners/{id}/rotate-secret.
func (h *Handler) RotateSecret(c echo.Context) error {
	rot, err := h.svc.RotateSecret(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rot)
}
