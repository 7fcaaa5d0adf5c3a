package dispatcher

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/ficheops/control-plane/domain/artifacts"
	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/events"
	"github.com/ficheops/control-plane/domain/recovery"
	"github.com/ficheops/control-plane/domain/runner"
	"github.com/ficheops/control-plane/domain/workspace"
	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/internal/jobs"
)

// Module provides the commis job dispatcher and its polling loop.
var Module = fx.Module("dispatcher",
	fx.Provide(
		provideMetrics,
		provideDispatcher,
	),
	fx.Invoke(registerLoop),
)

func provideMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

func provideDispatcher(
	cfg *config.Config,
	store *courses.Repository,
	artifactStore *artifacts.Store,
	standard *runner.Runner,
	workspaceRunner *workspace.Executor,
	resumer *courses.Service,
	emitter *events.Service,
	metrics *Metrics,
	log *slog.Logger,
) *Dispatcher {
	return NewDispatcher(cfg, store, artifactStore, standard, workspaceRunner, resumer, emitter, metrics, log)
}

// loopParams are the dependencies of the dispatch loop. Depending on
// recovery.Done guarantees orphaned rows are settled before the first claim.
type loopParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     *config.Config
	Dispatcher *Dispatcher
	Log        *slog.Logger
	Recovery   recovery.Done
}

func registerLoop(p loopParams) {
	worker := jobs.NewWorker(jobs.WorkerConfig{
		Name:         "commis-dispatcher",
		PollInterval: p.Config.Dispatcher.PollInterval,
	}, p.Log, p.Dispatcher.Tick)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The loop outlives the startup context.
			return worker.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			if err := worker.Stop(ctx); err != nil {
				return err
			}
			return p.Dispatcher.Drain(ctx)
		},
	})
}
