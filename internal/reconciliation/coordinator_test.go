package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/internal/adjustments"
	"github.com/luciaai/searchdeep-sub000/internal/consumption"
	"github.com/luciaai/searchdeep-sub000/internal/feedback"
	"github.com/luciaai/searchdeep-sub000/internal/grants"
	"github.com/luciaai/searchdeep-sub000/internal/idempotency"
	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/internal/subscriptions"
	"github.com/luciaai/searchdeep-sub000/internal/tiers"
	"github.com/luciaai/searchdeep-sub000/internal/users"
	"github.com/luciaai/searchdeep-sub000/pkg/db/dbtest"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

const validSignature = "t=1,v1=ok"

var (
	march = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

// stubVerifier decodes payloads by event id from a fixed table.
type stubVerifier struct {
	events map[string]*ProviderEvent
}

func (v *stubVerifier) Verify(_ context.Context, payload []byte, signature string) (*ProviderEvent, error) {
	if signature != validSignature {
		return nil, errors.New("signature mismatch")
	}
	ev, ok := v.events[string(payload)]
	if !ok {
		return nil, errors.New("unknown payload")
	}
	return ev, nil
}

type recordedOutcome struct {
	origin string
	state  string
}

type outcomeRecorder struct {
	outcomes []recordedOutcome
}

func (r *outcomeRecorder) RecordOutcome(origin, state string) {
	r.outcomes = append(r.outcomes, recordedOutcome{origin: origin, state: state})
}

type harness struct {
	conn     *gorm.DB
	coord    *Coordinator
	verifier *stubVerifier
	metrics  *outcomeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)

	store, err := ledger.NewStore(ledger.StoreParams{DB: conn})
	require.NoError(t, err)
	tracker, err := subscriptions.NewTracker(subscriptions.TrackerParams{DB: conn})
	require.NoError(t, err)
	catalog, err := tiers.NewCatalog(tiers.Defaults(), nil)
	require.NoError(t, err)
	policy, err := grants.NewPolicy(catalog)
	require.NoError(t, err)
	adjust, err := adjustments.NewGateway(adjustments.GatewayParams{
		Ledger:   store,
		Feedback: feedback.NewRepository(conn, nil),
	})
	require.NoError(t, err)
	consume, err := consumption.NewGateway(store)
	require.NoError(t, err)
	userSvc, err := users.NewService(users.ServiceParams{DB: conn, Ledger: store, SignupGrant: 5})
	require.NoError(t, err)

	verifier := &stubVerifier{events: map[string]*ProviderEvent{}}
	metrics := &outcomeRecorder{}
	coord, err := NewCoordinator(CoordinatorParams{
		DB:          conn,
		Guard:       idempotency.NewGuard(conn),
		Ledger:      store,
		Tracker:     tracker,
		Policy:      policy,
		Adjustments: adjust,
		Consumption: consume,
		Users:       userSvc,
		Verifier:    verifier,
		Metrics:     metrics,
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)
	return &harness{conn: conn, coord: coord, verifier: verifier, metrics: metrics}
}

func (h *harness) subscriptionEvent(id string, userID uuid.UUID, status enums.SubscriptionStatus, start, occurred time.Time) []byte {
	h.verifier.events[id] = &ProviderEvent{
		ID:         id,
		Type:       "customer.subscription.updated",
		Kind:       KindSubscriptionStatus,
		OccurredAt: occurred,
		Subscription: &subscriptions.StatusEvent{
			ProviderSubscriptionID: "sub_123",
			UserID:                 userID,
			Status:                 status,
			TierID:                 "basic",
			PeriodStart:            start,
			PeriodEnd:              start.AddDate(0, 1, 0),
		},
	}
	return []byte(id)
}

func countProcessed(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, conn.Model(&models.ProcessedEvent{}).Count(&count).Error)
	return count
}

func TestHandleWebhookAppliesRedeliveryOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, h.conn, "renew@example.com")
	payload := h.subscriptionEvent("evt_1", user.ID, enums.SubscriptionStatusActive, march, march)

	first, err := h.coord.HandleWebhook(ctx, payload, validSignature)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, first.State)
	assert.False(t, first.Duplicate)
	require.NotNil(t, first.NewBalance)
	assert.Equal(t, 30, *first.NewBalance)
	require.NotNil(t, first.Entry)
	assert.Equal(t, enums.LedgerSourceSubscriptionRenewal, first.Entry.Source)

	second, err := h.coord.HandleWebhook(ctx, payload, validSignature)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, StateAcknowledged, second.State)
	assert.Equal(t, []State{StateReceived, StateVerified, StateDedupChecked, StateRejectedDuplicate, StateAcknowledged}, second.Path)
	assert.Nil(t, second.Entry)

	assert.Equal(t, 30, dbtest.Balance(t, h.conn, user.ID))
	assert.EqualValues(t, 1, dbtest.CountEntries(t, h.conn, user.ID, string(enums.LedgerSourceSubscriptionRenewal)))
	assert.Equal(t, dbtest.LedgerSum(t, h.conn, user.ID), dbtest.Balance(t, h.conn, user.ID))
	assert.Equal(t, []recordedOutcome{
		{origin: originWebhook, state: string(StateApplied)},
		{origin: originWebhook, state: string(StateRejectedDuplicate)},
	}, h.metrics.outcomes)
}

func TestHandleWebhookGrantsOncePerPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, h.conn, "period@example.com")

	_, err := h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_a", user.ID, enums.SubscriptionStatusActive, march, march), validSignature)
	require.NoError(t, err)

	// A distinct event for the same period corrects metadata only.
	correction, err := h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_b", user.ID, enums.SubscriptionStatusActive, march, march.Add(time.Hour)), validSignature)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, correction.State)
	assert.Nil(t, correction.Entry)

	// Past due then recovered within an already granted period adds nothing.
	_, err = h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_c", user.ID, enums.SubscriptionStatusPastDue, march, march.Add(2*time.Hour)), validSignature)
	require.NoError(t, err)
	_, err = h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_d", user.ID, enums.SubscriptionStatusActive, march, march.Add(3*time.Hour)), validSignature)
	require.NoError(t, err)
	assert.Equal(t, 30, dbtest.Balance(t, h.conn, user.ID))

	renewal, err := h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_e", user.ID, enums.SubscriptionStatusActive, april, april), validSignature)
	require.NoError(t, err)
	require.NotNil(t, renewal.Entry)
	assert.Equal(t, 60, dbtest.Balance(t, h.conn, user.ID))
	assert.EqualValues(t, 2, dbtest.CountEntries(t, h.conn, user.ID, string(enums.LedgerSourceSubscriptionRenewal)))
}

func TestHandleWebhookGrantsFirstPeriodAfterIncompleteCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, h.conn, "incomplete@example.com")

	created, err := h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_created", user.ID, enums.SubscriptionStatusIncomplete, march, march), validSignature)
	require.NoError(t, err)
	assert.Nil(t, created.Entry)
	assert.Equal(t, 0, dbtest.Balance(t, h.conn, user.ID))

	paid, err := h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_paid", user.ID, enums.SubscriptionStatusActive, march, march.Add(time.Minute)), validSignature)
	require.NoError(t, err)
	require.NotNil(t, paid.Entry)
	assert.Equal(t, 30, dbtest.Balance(t, h.conn, user.ID))

	// A later blip through past_due in the same period pays nothing extra.
	_, err = h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_late", user.ID, enums.SubscriptionStatusPastDue, march, march.Add(time.Hour)), validSignature)
	require.NoError(t, err)
	_, err = h.coord.HandleWebhook(ctx, h.subscriptionEvent("evt_recovered", user.ID, enums.SubscriptionStatusActive, march, march.Add(2*time.Hour)), validSignature)
	require.NoError(t, err)

	assert.Equal(t, 30, dbtest.Balance(t, h.conn, user.ID))
	assert.EqualValues(t, 1, dbtest.CountEntries(t, h.conn, user.ID, string(enums.LedgerSourceSubscriptionRenewal)))
	assert.Equal(t, dbtest.LedgerSum(t, h.conn, user.ID), dbtest.Balance(t, h.conn, user.ID))
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	user := dbtest.SeedUser(t, h.conn, "forged@example.com")
	payload := h.subscriptionEvent("evt_forged", user.ID, enums.SubscriptionStatusActive, march, march)

	_, err := h.coord.HandleWebhook(context.Background(), payload, "t=1,v1=forged")
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeUnauthorized))
	assert.EqualValues(t, 0, countProcessed(t, h.conn))
	assert.Equal(t, 0, dbtest.Balance(t, h.conn, user.ID))
	require.Len(t, h.metrics.outcomes, 1)
	assert.Equal(t, string(StateFailed), h.metrics.outcomes[0].state)
}

func TestHandleWebhookReleasesKeyOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, h.conn, "retry@example.com")

	h.verifier.events["evt_unknown_tier"] = &ProviderEvent{
		ID:   "evt_unknown_tier",
		Type: "customer.subscription.created",
		Kind: KindSubscriptionStatus,
		Subscription: &subscriptions.StatusEvent{
			ProviderSubscriptionID: "sub_retry",
			UserID:                 user.ID,
			Status:                 enums.SubscriptionStatusActive,
			TierID:                 "enterprise",
			PeriodStart:            march,
			PeriodEnd:              april,
			OccurredAt:             march,
		},
	}

	_, err := h.coord.HandleWebhook(ctx, []byte("evt_unknown_tier"), validSignature)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	assert.EqualValues(t, 0, countProcessed(t, h.conn))

	var subs int64
	require.NoError(t, h.conn.Model(&models.Subscription{}).Count(&subs).Error)
	assert.EqualValues(t, 0, subs)
}

func TestHandleWebhookLinksCheckoutCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, h.conn, "checkout@example.com")

	h.verifier.events["evt_checkout"] = &ProviderEvent{
		ID:       "evt_checkout",
		Type:     "checkout.session.completed",
		Kind:     KindCheckoutCompleted,
		Checkout: &CheckoutLink{UserID: user.ID, CustomerID: "cus_777"},
	}
	_, err := h.coord.HandleWebhook(ctx, []byte("evt_checkout"), validSignature)
	require.NoError(t, err)

	payload := h.subscriptionEvent("evt_sub", uuid.Nil, enums.SubscriptionStatusActive, march, march)
	h.verifier.events["evt_sub"].Subscription.CustomerID = "cus_777"
	outcome, err := h.coord.HandleWebhook(ctx, payload, validSignature)
	require.NoError(t, err)
	require.NotNil(t, outcome.Transition)
	assert.Equal(t, user.ID, outcome.Transition.UserID)
	assert.Equal(t, 30, dbtest.Balance(t, h.conn, user.ID))
}

func TestHandleWebhookAcksIgnoredEvents(t *testing.T) {
	h := newHarness(t)
	h.verifier.events["evt_invoice"] = &ProviderEvent{ID: "evt_invoice", Type: "invoice.created", Kind: KindIgnored}

	outcome, err := h.coord.HandleWebhook(context.Background(), []byte("evt_invoice"), validSignature)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, outcome.State)
	assert.Equal(t, "invoice.created:evt_invoice", outcome.EventKey)
	assert.EqualValues(t, 1, countProcessed(t, h.conn))
}

func TestAdjustHonoursIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := dbtest.SeedUser(t, h.conn, "admin@example.com")
	target := dbtest.SeedUser(t, h.conn, "target@example.com")

	req := AdjustRequest{
		Input:          adjustments.Input{ActorID: admin.ID, TargetUserID: target.ID, Amount: 25, Reason: "goodwill"},
		IdempotencyKey: "req-1",
	}
	first, err := h.coord.Adjust(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first.NewBalance)
	assert.Equal(t, 25, *first.NewBalance)
	require.NotNil(t, first.Entry)
	require.NotNil(t, first.Entry.ExternalEventKey)

	second, err := h.coord.Adjust(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.NewBalance)
	assert.Equal(t, 25, *second.NewBalance)
	assert.EqualValues(t, 1, dbtest.CountEntries(t, h.conn, target.ID, ""))

	// Without a key every call is applied.
	req.IdempotencyKey = ""
	_, err = h.coord.Adjust(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 50, dbtest.Balance(t, h.conn, target.ID))
}

func TestAdjustRewardsFeedbackAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin := dbtest.SeedUser(t, h.conn, "admin@example.com")
	target := dbtest.SeedUser(t, h.conn, "writer@example.com")
	fb := models.Feedback{ID: uuid.New(), UserID: target.ID, Body: "great search"}
	require.NoError(t, h.conn.Create(&fb).Error)

	outcome, err := h.coord.Adjust(ctx, AdjustRequest{Input: adjustments.Input{
		ActorID: admin.ID, TargetUserID: target.ID, Amount: 10, Reason: "feedback", FeedbackID: &fb.ID,
	}})
	require.NoError(t, err)
	assert.True(t, outcome.FeedbackRewarded)

	var stored models.Feedback
	require.NoError(t, h.conn.First(&stored, "id = ?", fb.ID).Error)
	assert.True(t, stored.IsReward)
}

func TestConsumeRollsBackKeyOnInsufficientCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, h.conn, "consumer@example.com")

	req := ConsumeRequest{
		Input:          consumption.Input{UserID: user.ID, UnitCost: 3, Activity: "deep_search"},
		IdempotencyKey: "search-1",
	}
	_, err := h.coord.Consume(ctx, req)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInsufficientCredits))
	assert.EqualValues(t, 0, countProcessed(t, h.conn))

	admin := dbtest.SeedUser(t, h.conn, "admin@example.com")
	_, err = h.coord.Adjust(ctx, AdjustRequest{Input: adjustments.Input{ActorID: admin.ID, TargetUserID: user.ID, Amount: 5, Reason: "top up"}})
	require.NoError(t, err)

	applied, err := h.coord.Consume(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, *applied.NewBalance)

	replay, err := h.coord.Consume(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, 2, *replay.NewBalance)
	assert.Equal(t, 2, dbtest.Balance(t, h.conn, user.ID))
}

func TestCoordinatorReportsDependencyFailure(t *testing.T) {
	h := newHarness(t)
	user := dbtest.SeedUser(t, h.conn, "down@example.com")
	payload := h.subscriptionEvent("evt_down", user.ID, enums.SubscriptionStatusActive, march, march)

	sqlDB, err := h.conn.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = h.coord.HandleWebhook(context.Background(), payload, validSignature)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDependency), "got %v", err)
	assert.True(t, pkgerrors.MetadataFor(pkgerrors.CodeDependency).Retryable)
}

func TestReadsSurviveCallerCancellation(t *testing.T) {
	h := newHarness(t)
	user := dbtest.SeedUser(t, h.conn, "reader@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	balance, err := h.coord.GetBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)

	history, err := h.coord.GetLedgerHistory(ctx, user.ID, HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, history)
}
