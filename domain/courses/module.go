package courses

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/ficheops/control-plane/domain/events"
	"github.com/ficheops/control-plane/pkg/auth"
)

// Module provides the course/job state model: persistence, the concierge
// resume service, and the /api/jarvis chat/list/snapshot HTTP surface.
var Module = fx.Module("courses",
	fx.Provide(
		fx.Annotate(
			NewRepository,
			fx.As(fx.Self()),
			fx.As(new(events.CourseAccessor)),
		),
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// RouteParams are the dependencies for registering the jarvis HTTP surface.
type RouteParams struct {
	fx.In

	Echo           *echo.Echo
	Handler        *Handler
	AuthMiddleware *auth.Middleware
}

// RegisterRoutes wires POST /api/jarvis/chat and the course list/active/snapshot reads.
func RegisterRoutes(p RouteParams) {
	jarvis := p.Echo.Group("/api/jarvis")
	jarvis.Use(p.AuthMiddleware.RequireAuth())

	jarvis.POST("/chat", p.Handler.Chat)
	jarvis.GET("/courses", p.Handler.ListCourses)
	jarvis.GET("/courses/active", p.Handler.ActiveCourse)
	jarvis.GET("/courses/:id", p.Handler.GetCourse)
	jarvis.POST("/courses/:id/cancel", p.Handler.Cancel)
}
