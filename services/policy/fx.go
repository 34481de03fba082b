package policy

import "go.uber.org/fx"

var Module = fx.Module("policy.provider",
	fx.Provide(NewProvider),
)

var Routes = fx.Module("policy.http",
	fx.Invoke(registerRoutes),
)
