package recovery

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/domain/deploy"
	"github.com/ficheops/control-plane/domain/fiches"
	"github.com/ficheops/control-plane/internal/migrate"
)

// Done marks a completed startup recovery pass. Background loops that must
// not run before recovery (the dispatcher, the scheduler sweep) depend on it.
type Done struct {
	Report *Report
}

// Module provides the startup recovery pass.
var Module = fx.Module("recovery",
	fx.Provide(
		provideRecoverer,
		runStartupRecovery,
	),
)

func provideRecoverer(courseStore *courses.Repository, ficheStore *fiches.Repository, deployStore *deploy.Repository, log *slog.Logger) *Recoverer {
	return NewRecoverer(courseStore, ficheStore, deployStore, log)
}

// runStartupRecovery executes the pass while the dependency graph is being
// built, strictly after migrations and before any consumer of Done starts
// its loops.
func runStartupRecovery(r *Recoverer, _ migrate.Applied) (Done, error) {
	report, err := r.Run(context.Background())
	if err != nil {
		return Done{}, err
	}
	return Done{Report: report}, nil
}
