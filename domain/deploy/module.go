package deploy

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/ficheops/control-plane/pkg/auth"
)

// Module provides the rolling deployer: persistence, the Docker provisioner,
// the rollout loop, and the deployments/instances HTTP surface.
var Module = fx.Module("deploy",
	fx.Provide(
		NewRepository,
		fx.Annotate(NewDockerProvisioner, fx.As(new(Provisioner))),
		provideDeployer,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)

func provideDeployer(repo *Repository, provisioner Provisioner, log *slog.Logger) *Deployer {
	return NewDeployer(repo, provisioner, log)
}

// RouteParams are the dependencies for registering the deploy HTTP surface.
type RouteParams struct {
	fx.In

	Echo           *echo.Echo
	Handler        *Handler
	AuthMiddleware *auth.Middleware
}

// RegisterRoutes wires the operator-facing deployment routes. Rollouts mutate
// shared infrastructure, so every route requires the admin token.
func RegisterRoutes(p RouteParams) {
	deployments := p.Echo.Group("/api/deployments")
	deployments.Use(p.AuthMiddleware.RequireAdmin())

	deployments.POST("", p.Handler.Create)
	deployments.GET("", p.Handler.List)
	deployments.GET("/:id", p.Handler.Status)
	deployments.POST("/:id/rollback", p.Handler.Rollback)

	instances := p.Echo.Group("/api/instances")
	instances.Use(p.AuthMiddleware.RequireAdmin())
	instances.POST("/:id/deprovision", p.Handler.Deprovision)
}
