package metering

import "go.uber.org/fx"

// Module exposes the consumption authorizer via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
