package authz

import "go.uber.org/fx"

var Module = fx.Module("authz",
	fx.Provide(NewAuthorizer),
)

var Routes = fx.Module("authz.http",
	fx.Invoke(registerRoutes),
)
