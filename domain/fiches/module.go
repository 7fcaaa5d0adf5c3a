package fiches

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/ficheops/control-plane/pkg/auth"
)

// Module provides the fiches domain: Fiche, Thread, and ThreadMessage
// persistence plus the fiche management HTTP surface.
var Module = fx.Module("fiches",
	fx.Provide(
		NewRepository,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// RouteParams are the dependencies for registering the fiches HTTP surface.
type RouteParams struct {
	fx.In

	Echo           *echo.Echo
	Handler        *Handler
	AuthMiddleware *auth.Middleware
}

// RegisterRoutes wires the owner-scoped fiche management routes.
func RegisterRoutes(p RouteParams) {
	g := p.Echo.Group("/api/fiches")
	g.Use(p.AuthMiddleware.RequireAuth())

	g.POST("", p.Handler.Create)
	g.GET("", p.Handler.List)
	g.GET("/:id", p.Handler.Get)
	g.DELETE("/:id", p.Handler.Delete)
}
