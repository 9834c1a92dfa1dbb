package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/db/dbtest"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
)

var (
	march = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	may   = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
)

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	tracker, err := NewTracker(TrackerParams{
		DB:     conn,
		Outbox: outbox.NewService(outbox.NewRepository(conn), nil),
	})
	require.NoError(t, err)
	return tracker, conn
}

func statusEvent(userID uuid.UUID, status enums.SubscriptionStatus, start time.Time, occurred time.Time) StatusEvent {
	return StatusEvent{
		ProviderSubscriptionID: "sub_abc",
		UserID:                 userID,
		Status:                 status,
		TierID:                 "basic",
		PeriodStart:            start,
		PeriodEnd:              start.AddDate(0, 1, 0),
		OccurredAt:             occurred,
	}
}

func countStatusEvents(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).
		Where("event_type = ?", enums.EventSubscriptionStatusChanged).
		Count(&count).Error)
	return count
}

func TestTrackerCreatesUnknownSubscription(t *testing.T) {
	tracker, conn := newTestTracker(t)
	user := dbtest.SeedUser(t, conn, "new@example.com")

	tr, err := tracker.ApplyStatusEvent(context.Background(), statusEvent(user.ID, enums.SubscriptionStatusActive, march, march))
	require.NoError(t, err)

	assert.True(t, tr.Created)
	assert.True(t, tr.IsNewPeriod)
	assert.False(t, tr.Stale)
	assert.Equal(t, enums.SubscriptionStatusActive, tr.NewStatus)
	assert.Equal(t, enums.SubscriptionStatus(""), tr.PreviousStatus)
	assert.Equal(t, user.ID, tr.UserID)
	assert.True(t, tr.PeriodStart.Equal(march))
	assert.EqualValues(t, 1, countStatusEvents(t, conn))

	subs, err := tracker.ForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub_abc", subs[0].ProviderSubscriptionID)
}

func TestTrackerDetectsNewPeriodOnlyWhenStartAdvances(t *testing.T) {
	tracker, conn := newTestTracker(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, conn, "period@example.com")

	_, err := tracker.ApplyStatusEvent(ctx, statusEvent(user.ID, enums.SubscriptionStatusActive, march, march))
	require.NoError(t, err)

	// Same period, later event: a correction, not a renewal.
	correction := statusEvent(user.ID, enums.SubscriptionStatusActive, march, march.Add(time.Hour))
	correction.PeriodEnd = march.AddDate(0, 1, 2)
	tr, err := tracker.ApplyStatusEvent(ctx, correction)
	require.NoError(t, err)
	assert.False(t, tr.IsNewPeriod)
	assert.False(t, tr.Changed())

	tr, err = tracker.ApplyStatusEvent(ctx, statusEvent(user.ID, enums.SubscriptionStatusActive, april, april))
	require.NoError(t, err)
	assert.True(t, tr.IsNewPeriod)
	assert.True(t, tr.PeriodStart.Equal(april))

	// A period start moved backwards never rewinds the stored period.
	tr, err = tracker.ApplyStatusEvent(ctx, statusEvent(user.ID, enums.SubscriptionStatusActive, march, april.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, tr.IsNewPeriod)
	assert.True(t, tr.PeriodStart.Equal(april))
}

func TestTrackerMarksOutOfOrderEventsStale(t *testing.T) {
	tracker, conn := newTestTracker(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, conn, "stale@example.com")

	_, err := tracker.ApplyStatusEvent(ctx, statusEvent(user.ID, enums.SubscriptionStatusActive, april, april))
	require.NoError(t, err)

	tr, err := tracker.ApplyStatusEvent(ctx, statusEvent(user.ID, enums.SubscriptionStatusPastDue, may, march))
	require.NoError(t, err)
	assert.True(t, tr.Stale)
	assert.False(t, tr.IsNewPeriod)
	assert.Equal(t, enums.SubscriptionStatusActive, tr.NewStatus)

	var sub models.Subscription
	require.NoError(t, conn.First(&sub, "provider_subscription_id = ?", "sub_abc").Error)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodStart.UTC().Equal(april))
	assert.EqualValues(t, 1, countStatusEvents(t, conn))
}

func TestTrackerTracksCancellation(t *testing.T) {
	tracker, conn := newTestTracker(t)
	ctx := context.Background()
	user := dbtest.SeedUser(t, conn, "cancel@example.com")

	_, err := tracker.ApplyStatusEvent(ctx, statusEvent(user.ID, enums.SubscriptionStatusActive, march, march))
	require.NoError(t, err)

	canceledAt := march.Add(48 * time.Hour)
	tr, err := tracker.ApplyStatusEvent(ctx, statusEvent(uuid.Nil, enums.SubscriptionStatusCanceled, march, canceledAt))
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, tr.PreviousStatus)
	assert.Equal(t, enums.SubscriptionStatusCanceled, tr.NewStatus)
	assert.True(t, tr.Changed())

	var sub models.Subscription
	require.NoError(t, conn.First(&sub, "provider_subscription_id = ?", "sub_abc").Error)
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.CanceledAt.UTC().Equal(canceledAt))
	assert.EqualValues(t, 2, countStatusEvents(t, conn))
}

func TestTrackerResolvesOwnerByCustomer(t *testing.T) {
	tracker, conn := newTestTracker(t)
	user := dbtest.SeedUser(t, conn, "customer@example.com")
	require.NoError(t, conn.Model(&models.User{}).Where("id = ?", user.ID).Update("payment_customer_id", "cus_42").Error)

	ev := statusEvent(uuid.Nil, enums.SubscriptionStatusActive, march, march)
	ev.CustomerID = "cus_42"
	tr, err := tracker.ApplyStatusEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, user.ID, tr.UserID)
}

func TestTrackerRejectsInvalidEvents(t *testing.T) {
	tracker, conn := newTestTracker(t)
	user := dbtest.SeedUser(t, conn, "invalid@example.com")

	tests := []struct {
		name   string
		mutate func(*StatusEvent)
	}{
		{name: "missing provider id", mutate: func(ev *StatusEvent) { ev.ProviderSubscriptionID = " " }},
		{name: "unknown status", mutate: func(ev *StatusEvent) { ev.Status = "trialing" }},
		{name: "missing period", mutate: func(ev *StatusEvent) { ev.PeriodStart = time.Time{} }},
		{name: "inverted period", mutate: func(ev *StatusEvent) { ev.PeriodEnd = ev.PeriodStart.Add(-time.Hour) }},
		{name: "unknown owner", mutate: func(ev *StatusEvent) { ev.UserID = uuid.Nil; ev.CustomerID = "cus_missing" }},
		{name: "missing tier", mutate: func(ev *StatusEvent) { ev.TierID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := statusEvent(user.ID, enums.SubscriptionStatusActive, march, march)
			tt.mutate(&ev)
			_, err := tracker.ApplyStatusEvent(context.Background(), ev)
			require.Error(t, err)
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
	assert.EqualValues(t, 0, countStatusEvents(t, conn))
}
