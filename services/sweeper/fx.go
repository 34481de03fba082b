package sweeper

import "go.uber.org/fx"

var Module = fx.Module("sweeper",
	fx.Provide(NewSweeper),
)

var Routes = fx.Module("sweeper.http",
	fx.Invoke(registerRoutes),
)

// Worker runs the asynq handlers and the scheduler that feeds them.
var Worker = fx.Module("sweeper.worker",
	fx.Provide(NewScheduler),
	fx.Invoke(registerHandlers, StartScheduler),
)
