package review

import "go.uber.org/fx"

var Module = fx.Module("review.engine",
	fx.Provide(NewEngine),
)

var Routes = fx.Module("review.http",
	fx.Invoke(registerRoutes),
)
