package events

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/ficheops/control-plane/pkg/auth"
)

// Module provides the event store: append-only log, in-memory fan-out bus,
// and the SSE/timeline HTTP surface.
var Module = fx.Module("events",
	fx.Provide(
		NewRepository,
		NewBus,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// RouteParams are the dependencies for registering the events HTTP surface.
type RouteParams struct {
	fx.In

	Echo           *echo.Echo
	Handler        *Handler
	AuthMiddleware *auth.Middleware
}

// RegisterRoutes wires the per-course stream, raw events, and timeline routes.
func RegisterRoutes(p RouteParams) {
	courses := p.Echo.Group("/api/jarvis/courses")
	courses.Use(p.AuthMiddleware.RequireAuth())

	courses.GET("/:id/stream", p.Handler.Stream)
	courses.GET("/:id/events", p.Handler.ListEvents)
	courses.GET("/:id/timeline", p.Handler.Timeline)
}
