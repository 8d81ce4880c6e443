package catalog

import "go.uber.org/fx"

// Module exposes the pricing catalog via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
