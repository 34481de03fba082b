package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/db"
	"mission-marketplace/pkg/gen"
	"mission-marketplace/pkg/health"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/middleware"
	"mission-marketplace/pkg/otelcol"
	"mission-marketplace/pkg/profiling"
	"mission-marketplace/pkg/redis"
	"mission-marketplace/pkg/sequence"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/ledger"
	"mission-marketplace/services/participation"
	"mission-marketplace/services/payout"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
	"mission-marketplace/services/review"
	"mission-marketplace/services/sweeper"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		health.Module,
		middleware.Module,
		gen.Module,

		authz.Module,
		audit.Module,
		policy.Module,
		ledger.Module,
		quota.Module,
		campaign.Module,
		participation.Module,
		review.Module,
		payout.Module,
		sweeper.Module,

		authz.Routes,
		policy.Routes,
		ledger.Routes,
		campaign.Routes,
		participation.Routes,
		review.Routes,
		payout.Routes,
		sweeper.Routes,

		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, log *zap.Logger) fxevent.Logger {
	if cfg.IsProduction() {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: log}
})
