package artifacts

import "go.uber.org/fx"

// Module provides the filesystem-backed artifact store.
var Module = fx.Module("artifacts",
	fx.Provide(NewStore),
)
