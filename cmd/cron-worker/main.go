package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciaai/searchdeep-sub000/internal/cron"
	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/db"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/metrics"
	"github.com/luciaai/searchdeep-sub000/pkg/migrate"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
	"github.com/luciaai/searchdeep-sub000/pkg/redis"
)

const serviceKind = "cron-worker"

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
	defer closeQuietly(bootCtx, logg, "database", dbClient.Close)
	fatalIf(bootCtx, logg, "dev migrations", migrate.MaybeRunDev(bootCtx, cfg, logg, dbClient))

	redisClient, err := redis.New(bootCtx, cfg.Redis, logg)
	fatalIf(bootCtx, logg, "bootstrap redis", err)
	defer closeQuietly(bootCtx, logg, "redis", redisClient.Close)

	service, err := buildService(cfg, logg, dbClient, redisClient)
	fatalIf(bootCtx, logg, "build scheduler", err)

	ctx, stop := signal.NotifyContext(bootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"interval":    cfg.Cron.Interval.String(),
	})

	if addr := cfg.Cron.MetricsAddr; addr != "" {
		go serveMetrics(ctx, logg, addr)
	}

	logg.Info(ctx, "cron worker started")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker stopped")
}

func buildService(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) (*cron.Service, error) {
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceKind+":"+envOrLocal(cfg.App.Env)), 0)
	if err != nil {
		return nil, err
	}
	ledgerStore, err := ledger.NewStore(ledger.StoreParams{
		DB:      dbClient.DB(),
		Metrics: metrics.NewLedgerMetrics(prometheus.DefaultRegisterer),
		Logger:  logg,
	})
	if err != nil {
		return nil, err
	}
	integrity, err := cron.NewBalanceIntegrityJob(cron.BalanceIntegrityJobParams{
		Logger:    logg,
		Ledger:    ledgerStore,
		BatchSize: cfg.Cron.IntegrityBatch,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:    logg,
		Outbox:    outbox.NewRepository(dbClient.DB()),
		Retention: cfg.Cron.OutboxRetention,
	})
	if err != nil {
		return nil, err
	}
	jobs, err := cron.NewRegistry(integrity, retention)
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: jobs,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
}

func serveMetrics(ctx context.Context, logg *logger.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "cron metrics listener failed", err)
	}
}

func envOrLocal(env string) string {
	if env == "" {
		return "local"
	}
	return env
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
	logg.Error(ctx, "cron worker: "+step, err)
	os.Exit(1)
}
