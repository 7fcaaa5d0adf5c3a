package runnerhosts

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/ficheops/control-plane/pkg/auth"
)

// Module provides runner host enrollment and credential management.
var Module = fx.Module("runnerhosts",
	fx.Provide(
		NewRepository,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

// RouteParams are the dependencies for registering the runners HTTP surface.
type RouteParams struct {
	fx.In

	Echo           *echo.Echo
	Handler        *Handler
	AuthMiddleware *auth.Middleware
}

// RegisterRoutes wires the runner routes. Registration authenticates by
// enrollment token; everything else requires the admin token.
func RegisterRoutes(p RouteParams) {
	runners := p.Echo.Group("/api/runners")

	runners.POST("/register", p.Handler.Register)

	admin := runners.Group("", p.AuthMiddleware.RequireAdmin())
	admin.POST("/enroll-token", p.Handler.MintToken)
	admin.GET("", p.Handler.List)
	admin.POST("/:id/rotate-secret", p.Handler.RotateSecret)
}
