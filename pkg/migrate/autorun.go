package migrate

import (
	"context"
	"fmt"

	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/db"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

// MaybeRunDev brings a local database up to date on boot. It only acts in the
// dev environment with SEARCHDEEP_AUTO_MIGRATE set; deployed environments run
// cmd/migrate explicitly.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if cfg == nil || !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	if client == nil {
		return fmt.Errorf("auto-migrate: database client required")
	}

	target := "goose:" + DefaultDir
	if cfg.DB.IsSQLite() {
		target = "sqlite-schema"
	}
	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "target": target})
		logg.Info(ctx, "migrate.autorun_start")
	}

	if err := applyDev(ctx, cfg.DB, client); err != nil {
		return fmt.Errorf("auto-migrate %s: %w", target, err)
	}
	if logg != nil {
		logg.Info(ctx, "migrate.autorun_done")
	}
	return nil
}

func applyDev(ctx context.Context, cfg config.DBConfig, client *db.Client) error {
	if cfg.IsSQLite() {
		return ApplySQLiteSchema(ctx, client.DB())
	}
	sqlDB, err := client.DB().DB()
	if err != nil {
		return err
	}
	return Run(ctx, sqlDB, DefaultDir, "up")
}
