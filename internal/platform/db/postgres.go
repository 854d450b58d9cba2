package db

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fatflowers/billingsync/internal/models"
	cfgpkg "github.com/fatflowers/billingsync/pkg/config"
	gormzap "github.com/fatflowers/billingsync/pkg/gormlog"
	"github.com/fatflowers/billingsync/pkg/tool"
)

func NewDB(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*gorm.DB, error) {
	if cfg.Database.DSN == "" {
		l.Error("database DSN is empty")
		return nil, gorm.ErrInvalidDB
	}
	level := gormlogger.Info
	if cfg.Env == cfgpkg.EnvProd {
		level = gormlogger.Warn
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{Logger: gormzap.New(l, level)})
	if err != nil {
		l.Errorf("failed to connect database: %v", err)
		return nil, err
	}
	l.Infow("connected to postgres via DSN")
	return db, nil
}

var Module = fx.Options(
	fx.Provide(NewDB),
	fx.Invoke(AutoMigrate),
	fx.Invoke(SeedBillingPlans),
	fx.Invoke(registerDBClose),
)

// AutoMigrate runs GORM migrations on startup
func AutoMigrate(l *zap.SugaredLogger, db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.WebhookEvent{},
		&models.Subscription{},
		&models.SubscriptionLog{},
		&models.UserAccountSettings{},
		&models.PaymentTransaction{},
		&models.NotificationQueueItem{},
		&models.BillingPlan{},
	); err != nil {
		l.Errorf("automigrate failed: %v", err)
		return err
	}
	l.Infow("automigrate completed")
	return nil
}

// SeedBillingPlans upserts the configured provider plan to product mapping.
func SeedBillingPlans(l *zap.SugaredLogger, cfg *cfgpkg.Config, db *gorm.DB) error {
	if len(cfg.BillingPlans) == 0 {
		l.Warnw("no billing plans configured, every plan resolves to the default tier")
		return nil
	}
	rows := make([]*models.BillingPlan, 0, len(cfg.BillingPlans))
	for _, p := range cfg.BillingPlans {
		rows = append(rows, &models.BillingPlan{ID: tool.GenerateUUIDV7(), ProviderPlanID: p.ProviderPlanID, ProductID: p.ProductID})
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_plan_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"product_id", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to seed billing plans: %w", err)
	}
	l.Infow("billing plans seeded", "count", len(rows))
	return nil
}

// registerDBClose ensures the underlying *sql.DB is closed on shutdown
func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "err", err)
				return nil
			}
			l.Infow("closing postgres connection pool")
			return sqlDB.Close()
		},
	})
}
