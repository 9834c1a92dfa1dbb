package main

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/internal/adjustments"
	"github.com/luciaai/searchdeep-sub000/internal/admins"
	"github.com/luciaai/searchdeep-sub000/internal/consumption"
	"github.com/luciaai/searchdeep-sub000/internal/feedback"
	"github.com/luciaai/searchdeep-sub000/internal/grants"
	"github.com/luciaai/searchdeep-sub000/internal/idempotency"
	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/internal/reconciliation"
	"github.com/luciaai/searchdeep-sub000/internal/subscriptions"
	"github.com/luciaai/searchdeep-sub000/internal/tiers"
	"github.com/luciaai/searchdeep-sub000/internal/users"
	stripewebhook "github.com/luciaai/searchdeep-sub000/internal/webhooks/stripe"
	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/metrics"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
	"github.com/luciaai/searchdeep-sub000/pkg/stripe"
)

type services struct {
	coordinator *reconciliation.Coordinator
	users       *users.Service
	admins      *admins.Repository
	deadLetters *outbox.DLQRepository
}

func buildServices(cfg *config.Config, logg *logger.Logger, conn *gorm.DB, stripeClient *stripe.Client, ledgerMetrics *metrics.LedgerMetrics) (*services, error) {
	events := outbox.NewService(outbox.NewRepository(conn), logg)

	ledgerStore, err := ledger.NewStore(ledger.StoreParams{
		DB:           conn,
		Outbox:       events,
		Metrics:      ledgerMetrics,
		Logger:       logg,
		HistoryLimit: cfg.Ledger.HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}

	tracker, err := subscriptions.NewTracker(subscriptions.TrackerParams{DB: conn, Outbox: events, Logger: logg})
	if err != nil {
		return nil, fmt.Errorf("subscription tracker: %w", err)
	}

	catalog, err := tiers.NewCatalog(tiers.Defaults(), cfg.Tiers.Credits)
	if err != nil {
		return nil, fmt.Errorf("tier catalog: %w", err)
	}
	policy, err := grants.NewPolicy(catalog)
	if err != nil {
		return nil, fmt.Errorf("grant policy: %w", err)
	}

	adjustmentGateway, err := adjustments.NewGateway(adjustments.GatewayParams{
		Ledger:   ledgerStore,
		Feedback: feedback.NewRepository(conn, events),
		Metrics:  ledgerMetrics,
		Logger:   logg,
	})
	if err != nil {
		return nil, fmt.Errorf("adjustment gateway: %w", err)
	}
	consumptionGateway, err := consumption.NewGateway(ledgerStore)
	if err != nil {
		return nil, fmt.Errorf("consumption gateway: %w", err)
	}

	adminRepo := admins.NewRepository(conn)
	userService, err := users.NewService(users.ServiceParams{
		DB:              conn,
		Ledger:          ledgerStore,
		Admins:          adminRepo,
		Logger:          logg,
		SignupGrant:     cfg.Ledger.SignupGrant,
		BootstrapAdmins: cfg.Admin.BootstrapEmails,
	})
	if err != nil {
		return nil, fmt.Errorf("users service: %w", err)
	}

	verifier, err := stripewebhook.NewVerifier(stripewebhook.VerifierParams{SigningSecret: stripeClient.SigningSecret()})
	if err != nil {
		return nil, fmt.Errorf("stripe verifier: %w", err)
	}

	coordinator, err := reconciliation.NewCoordinator(reconciliation.CoordinatorParams{
		DB:          conn,
		Guard:       idempotency.NewGuard(conn),
		Ledger:      ledgerStore,
		Tracker:     tracker,
		Policy:      policy,
		Adjustments: adjustmentGateway,
		Consumption: consumptionGateway,
		Users:       userService,
		Verifier:    verifier,
		Metrics:     ledgerMetrics,
		Logger:      logg,
		Timeout:     cfg.Ledger.StoreTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation coordinator: %w", err)
	}

	return &services{
		coordinator: coordinator,
		users:       userService,
		admins:      adminRepo,
		deadLetters: outbox.NewDLQRepository(conn),
	}, nil
}
