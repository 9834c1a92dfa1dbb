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

	"github.com/luciaai/searchdeep-sub000/api/routes"
	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/db"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/metrics"
	"github.com/luciaai/searchdeep-sub000/pkg/migrate"
	"github.com/luciaai/searchdeep-sub000/pkg/redis"
	"github.com/luciaai/searchdeep-sub000/pkg/stripe"
)

const (
	serviceKind     = "api"
	shutdownTimeout = 10 * time.Second
)

func main() {
	bootCtx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(bootCtx, "no .env file, using process environment")
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

	stripeClient, err := stripe.NewClient(bootCtx, cfg.Stripe, logg)
	fatalIf(bootCtx, logg, "configure stripe", err)

	deps, err := buildServices(cfg, logg, dbClient.DB(), stripeClient, metrics.NewLedgerMetrics(prometheus.DefaultRegisterer))
	fatalIf(bootCtx, logg, "wire services", err)

	addr, instance := listenAddr(cfg.App)
	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			deps.coordinator,
			deps.users,
			deps.admins,
			deps.deadLetters,
			promhttp.Handler(),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(bootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"addr":        addr,
		"instance":    instance,
		"stripe_env":  stripeClient.Environment(),
	})
	logg.Info(ctx, "api listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			fatalIf(ctx, logg, "serve", err)
		}
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			logg.Error(drainCtx, "api shutdown did not drain", err)
			return
		}
		logg.Info(drainCtx, "api stopped")
	}
}

// listenAddr honours a platform-assigned PORT over the configured one and
// labels the instance with the dyno name when there is one.
func listenAddr(app config.AppConfig) (addr, instance string) {
	port := app.Port
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	instance = os.Getenv("DYNO")
	if instance == "" {
		instance = "local"
	}
	return ":" + port, instance
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
	logg.Error(ctx, "api: "+step, err)
	os.Exit(1)
}
