package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciaai/searchdeep-sub000/internal/outboxrelay"
	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/db"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/metrics"
	"github.com/luciaai/searchdeep-sub000/pkg/migrate"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/registry"
	"github.com/luciaai/searchdeep-sub000/pkg/pubsub"
)

const serviceKind = "outbox-publisher"

func main() {
	bootCtx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(bootCtx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	fatalIf(bootCtx, logg, "load config", err)
	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(bootCtx, cfg.DB, logg)
	fatalIf(bootCtx, logg, "bootstrap database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(bootCtx, "error closing database", err)
		}
	}()
	fatalIf(bootCtx, logg, "dev migrations", migrate.MaybeRunDev(bootCtx, cfg, logg, dbClient))

	pubsubClient, err := pubsub.NewClient(bootCtx, cfg.GCP, cfg.PubSub, logg)
	fatalIf(bootCtx, logg, "bootstrap pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(bootCtx, "error closing pubsub client", err)
		}
	}()
	sender := pubsubClient.Sender()
	defer sender.Stop()

	eventRegistry, err := registry.New(cfg.PubSub)
	fatalIf(bootCtx, logg, "build event registry", err)

	relay, err := outboxrelay.New(outboxrelay.Params{
		Config:      cfg.Outbox,
		DB:          dbClient,
		Store:       outbox.NewRepository(dbClient.DB()),
		DeadLetters: outbox.NewDLQRepository(dbClient.DB()),
		Registry:    eventRegistry,
		Sender:      sender,
		Metrics:     metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
		Logger:      logg,
	})
	fatalIf(bootCtx, logg, "create outbox relay", err)

	ctx, stop := signal.NotifyContext(bootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"batchSize":   cfg.Outbox.BatchSize,
		"maxAttempts": cfg.Outbox.MaxAttempts,
	})
	logg.Info(ctx, "outbox relay started")

	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox relay stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "outbox relay stopped")
}

func fatalIf(ctx context.Context, logg *logger.Logger, step string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, "outbox relay: "+step, err)
	os.Exit(1)
}
