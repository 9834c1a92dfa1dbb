package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/luciaai/searchdeep-sub000/internal/ledgerexport"
	"github.com/luciaai/searchdeep-sub000/pkg/bigquery"
	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/registry"
	"github.com/luciaai/searchdeep-sub000/pkg/pubsub"
	"github.com/luciaai/searchdeep-sub000/pkg/redis"
)

const serviceKind = "ledger-export"

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

	redisClient, err := redis.New(bootCtx, cfg.Redis, logg)
	fatalIf(bootCtx, logg, "bootstrap redis", err)
	defer closeQuietly(bootCtx, logg, "redis", redisClient.Close)

	pubsubClient, err := pubsub.NewClient(bootCtx, cfg.GCP, cfg.PubSub, logg)
	fatalIf(bootCtx, logg, "bootstrap pubsub", err)
	defer closeQuietly(bootCtx, logg, "pubsub", pubsubClient.Close)
	fatalIf(bootCtx, logg, "credits subscription", pubsubClient.EnsureCreditsSubscription(bootCtx))

	bqClient, err := bigquery.NewClient(bootCtx, cfg.GCP, cfg.BigQuery, logg)
	fatalIf(bootCtx, logg, "bootstrap bigquery", err)
	defer closeQuietly(bootCtx, logg, "bigquery", bqClient.Close)

	writer, err := ledgerexport.NewWriter(bqClient, bqClient.LedgerTable(), ledgerexport.RetryPolicy{})
	fatalIf(bootCtx, logg, "ledger writer", err)
	fatalIf(bootCtx, logg, "ledger table", bqClient.EnsureTable(bootCtx, bigquery.TableSpec{
		Name:           writer.Table(),
		Schema:         writer.Schema(),
		PartitionField: "occurred_at",
		ClusterBy:      []string{"user_id", "source"},
	}))

	events, err := registry.New(cfg.PubSub)
	fatalIf(bootCtx, logg, "build event registry", err)

	service, err := ledgerexport.NewService(ledgerexport.ServiceParams{
		Subscription: pubsubClient.CreditsSubscriber(),
		Registry:     events,
		Writer:       writer,
		Processed:    redisClient,
		ProcessedTTL: cfg.BigQuery.ProcessedEventTTL,
		Logger:       logg,
	})
	fatalIf(bootCtx, logg, "create export service", err)

	ctx, stop := signal.NotifyContext(bootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"serviceKind":  serviceKind,
		"subscription": cfg.PubSub.CreditsSubscription,
		"table":        writer.Table(),
	})
	logg.Info(ctx, "ledger export started")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "ledger export stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "ledger export stopped")
}

func closeQuietly(ctx context.Context, logg *logger.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(ctx, "error closing "+name, err)
	}
}

func fatalIf(ctx context.Context, logg *logger.Logger, step string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, "ledger export: "+step, err)
	os.Exit(1)
}
