package mcp

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the stdio MCP connection pool and the registry adapter.
// The pool is one of the two process-wide singletons; teardown closes every
// subprocess explicitly.
var Module = fx.Module("mcp",
	fx.Provide(
		NewPool,
		NewAdapter,
	),
	fx.Invoke(registerShutdown),
)

func registerShutdown(lc fx.Lifecycle, pool *Pool) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Shutdown()
			return nil
		},
	})
}
