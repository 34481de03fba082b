package payout

import "go.uber.org/fx"

var Module = fx.Module("payout.module",
	fx.Provide(
		NewService,
		asHolds,
	),
)

var Routes = fx.Module("payout.http",
	fx.Invoke(registerRoutes),
)
