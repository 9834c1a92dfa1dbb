package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciaai/searchdeep-sub000/api/controllers"
	"github.com/luciaai/searchdeep-sub000/api/controllers/credits"
	"github.com/luciaai/searchdeep-sub000/api/controllers/deadletters"
	"github.com/luciaai/searchdeep-sub000/api/controllers/webhooks"
	"github.com/luciaai/searchdeep-sub000/api/middleware"
	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

// CreditsService is the reconciliation surface exposed over HTTP.
type CreditsService interface {
	credits.Reader
	credits.Consumer
	credits.Adjuster
	webhooks.WebhookHandler
}

// AdminStore checks and manages admin roles.
type AdminStore interface {
	middleware.AdminChecker
	credits.AdminRoles
}

// RedisStore backs idempotent replays and rate limits.
type RedisStore interface {
	middleware.ReplayStore
	middleware.WindowLimiter
	Ping(context.Context) error
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisStore RedisStore,
	creditsService CreditsService,
	provisioner credits.Provisioner,
	adminStore AdminStore,
	deadLetters deadletters.Store,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	)

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	consumePolicy := middleware.NewRateLimitPolicy("consume", cfg.RateLimit.ConsumeLimit, cfg.RateLimit.ConsumeWindow)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisStore))
	})
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhooks.StripeWebhook(creditsService, logg))
	})

	r.Route("/api/v1/credits", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(credits.ProvisionCaller(provisioner, logg))
		r.Get("/", credits.Balance(creditsService, logg))
		r.Get("/history", credits.History(creditsService, logg))
		r.With(
			middleware.RateLimit(consumePolicy, redisStore, logg),
			middleware.Replay(redisStore, middleware.ReplayTTL, logg),
		).Post("/consume", credits.Consume(creditsService, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireAdmin(adminStore, logg))
		r.Route("/users/{userId}/credits", func(r chi.Router) {
			r.Get("/", credits.AdminUserCredits(creditsService, logg))
			r.With(middleware.Replay(redisStore, middleware.AdjustReplayTTL, logg)).
				Post("/", credits.AdminAdjust(creditsService, logg))
		})
		r.With(middleware.Replay(redisStore, middleware.ReplayTTL, logg)).
			Post("/admins", credits.AdminGrantRole(adminStore, logg))
		r.Delete("/admins/{userId}", credits.AdminRevokeRole(adminStore, logg))
		r.Route("/outbox/dead-letters", func(r chi.Router) {
			r.Get("/", deadletters.List(deadLetters, logg))
			r.Get("/{eventId}", deadletters.Get(deadLetters, logg))
			r.Post("/{eventId}/requeue", deadletters.Requeue(deadLetters, logg))
		})
	})

	return r
}
