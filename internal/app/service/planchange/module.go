package planchange

import "go.uber.org/fx"

// Module exposes the plan change service via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
