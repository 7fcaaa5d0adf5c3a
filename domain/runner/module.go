package runner

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/events"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/domain/runner/llm"
)

// Module provides the agent runner: the concierge/commis turn loop, the
// dynamic tool registry, and the LLM client boundary.
var Module = fx.Module("runner",
	fx.Provide(
		NewRegistry,
		llm.NewFromEnv,
		fx.Annotate(
			provideRunner,
			fx.As(fx.Self()),
			fx.As(new(courses.ContinuationRunner)),
			fx.As(new(courses.ChatRunner)),
		),
	),
)

func provideRunner(
	threads *fiches.Repository,
	courseStore *courses.Repository,
	emitter *events.Service,
	client llm.Client,
	tools *Registry,
	log *slog.Logger,
) *Runner {
	return NewRunner(threads, courseStore, emitter, client, tools, log)
}
