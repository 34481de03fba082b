package participation

import "go.uber.org/fx"

var Module = fx.Module("participation.module",
	fx.Provide(NewService),
)

var Routes = fx.Module("participation.http",
	fx.Invoke(registerRoutes),
)
