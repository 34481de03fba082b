package main

import (
	"context"
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/db"
	"mission-marketplace/pkg/gen"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/ledger"
	"mission-marketplace/services/participation"
	"mission-marketplace/services/payout"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
	"mission-marketplace/services/sweeper"
)

func models() []any {
	return []any{
		&campaign.Campaign{},
		&quota.MissionDay{},
		&participation.Participation{},
		&participation.VerificationResult{},
		&ledger.BudgetEntry{},
		&ledger.CreditEntry{},
		&payout.PayoutRequest{},
		&policy.Policy{},
		&authz.ManagerAssignment{},
		&audit.Log{},
		&sweeper.JobRun{},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema and seed data for the mission marketplace",
	}
	root.AddCommand(upCommand(), seedCommand())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func upCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Create or alter every table and index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(gdb *gorm.DB, _ *snowflake.Node) error {
				if err := db.Migrate(gdb, models(), participation.Statements...); err != nil {
					return err
				}
				zap.L().Info("migration completed", zap.Int("tables", len(models())))
				return nil
			})
		},
	}
}

func seedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the default policies that are missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(gdb *gorm.DB, node *snowflake.Node) error {
				return seedPolicies(cmd.Context(), gdb, node)
			})
		},
	}
}

var defaultPolicies = map[string]int64{
	policy.KeyTimeoutTraffic: int64(policy.DefaultTrafficTimeout.Seconds()),
	policy.KeyTimeoutSave:    int64(policy.DefaultSaveTimeout.Seconds()),
	policy.KeyTimeoutShare:   int64(policy.DefaultShareTimeout.Seconds()),
	policy.KeyPayoutMin:      policy.DefaultPayoutMinKRW,
	policy.KeyUnitPriceMin:   policy.DefaultUnitPriceMin,
	policy.KeyUnitPriceMax:   policy.DefaultUnitPriceMax,
}

// seedPolicies writes version 1 of every default policy key that has no
// version yet. Existing keys are left alone.
func seedPolicies(ctx context.Context, gdb *gorm.DB, node *snowflake.Node) error {
	provider := policy.NewProvider(policy.Params{DB: gdb, Node: node})

	for key, value := range defaultPolicies {
		var count int64
		if err := gdb.WithContext(ctx).Model(&policy.Policy{}).Where("policy_key = ?", key).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			zap.L().Info("policy already present", zap.String("key", key))
			continue
		}
		if _, err := provider.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// withDB boots the config, logger, database and id modules and hands the
// connection and node to fn.
func withDB(ctx context.Context, fn func(*gorm.DB, *snowflake.Node) error) error {
	var (
		gdb  *gorm.DB
		node *snowflake.Node
	)
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		fx.Populate(&gdb, &node),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)
	if err := app.Start(ctx); err != nil {
		log.Printf("failed to start: %v", err)
		return err
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	return fn(gdb, node)
}
