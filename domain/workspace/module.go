package workspace

import "go.uber.org/fx"

// Module provides the workspace-mode executor. The session shipper defaults
// to the local nop implementation until a storage collaborator is wired.
var Module = fx.Module("workspace",
	fx.Provide(
		func() SessionShipper { return NopShipper{} },
		NewExecutor,
	),
)
