package ledger

import (
	"go.uber.org/fx"

	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
)

var Module = fx.Module("ledger.store",
	fx.Provide(NewStore),
)

type handlerParams struct {
	fx.In

	Store *Store
	Authz *authz.Authorizer
	Audit *audit.Sink
	Holds Holds `optional:"true"`
}

func newHandler(p handlerParams) *handler {
	return &handler{store: p.Store, authz: p.Authz, audit: p.Audit, holds: p.Holds}
}

var Routes = fx.Module("ledger.http",
	fx.Provide(fx.Private, newHandler),
	fx.Invoke(registerRoutes),
)
