// Package main boots the agent control plane: the durable course/job engine,
// the hierarchical runner, the job dispatcher, the rolling deployer, and the
// event spine, wired together with fx.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/ficheops/control-plane/domain/artifacts"
	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/deploy"
	"github.com/ficheops/control-plane/domain/dispatcher"
	"github.com/ficheops/control-plane/domain/events"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/domain/health"
	"github.com/ficheops/control-plane/domain/mcp"
	"github.com/ficheops/control-plane/domain/recovery"
	"github.com/ficheops/control-plane/domain/runner"
	"github.com/ficheops/control-plane/domain/runnerhosts"
	"github.com/ficheops/control-plane/domain/scheduler"
	"github.com/ficheops/control-plane/domain/workspace"
	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/internal/database"
	"github.com/ficheops/control-plane/internal/migrate"
	"github.com/ficheops/control-plane/internal/server"
	"github.com/ficheops/control-plane/pkg/auth"
	"github.com/ficheops/control-plane/pkg/encryption"
	"github.com/ficheops/control-plane/pkg/logger"
)

func main() {
	// .env.local overrides .env for local development.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,
		auth.Module,
		encryption.Module,

		// The event spine and persistence leaves come up first; recovery
		// settles orphaned rows before the dispatcher and scheduler loops
		// take their first tick.
		events.Module,
		fiches.Module,
		courses.Module,
		artifacts.Module,
		mcp.Module,
		runner.Module,
		workspace.Module,
		recovery.Module,
		dispatcher.Module,
		scheduler.Module,
		deploy.Module,
		runnerhosts.Module,
		health.Module,
	).Run()
}
