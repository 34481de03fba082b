package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/db"
	"mission-marketplace/pkg/gen"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/otelcol"
	"mission-marketplace/pkg/profiling"
	"mission-marketplace/pkg/redis"
	"mission-marketplace/pkg/task"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
	"mission-marketplace/services/sweeper"
)

// The worker runs the expiry sweep and the daily status sync. Only one
// replica should run the scheduler; any number may process tasks.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,

		task.Client,
		task.Server,

		authz.Module,
		audit.Module,
		policy.Module,
		quota.Module,
		campaign.Module,
		sweeper.Module,
		sweeper.Worker,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(eventLogger)

// eventLogger prints fx lifecycle events outside production.
func eventLogger(cfg *config.Config, log *zap.Logger) fxevent.Logger {
	if cfg.IsProduction() {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: log}
}
