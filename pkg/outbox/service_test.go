package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/db/dbtest"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
)

var fixedNow = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func newTestService(conn *gorm.DB) *Service {
	svc := NewService(NewRepository(conn), nil)
	svc.now = func() time.Time { return fixedNow }
	svc.newID = func() string { return "evt-fixed" }
	return svc
}

func statusEvent(aggregateID uuid.UUID) DomainEvent {
	return DomainEvent{
		EventType:     enums.EventSubscriptionStatusChanged,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   aggregateID,
		Data:          map[string]string{"status": "past_due"},
	}
}

func TestEncodeStampsDefaults(t *testing.T) {
	svc := newTestService(nil)
	aggregateID := uuid.New()

	row, envelope, err := svc.encode(statusEvent(aggregateID))
	require.NoError(t, err)

	assert.Equal(t, CurrentEnvelopeVersion, envelope.Version)
	assert.Equal(t, "evt-fixed", envelope.EventID)
	assert.Equal(t, fixedNow, envelope.OccurredAt)
	assert.Equal(t, aggregateID, row.AggregateID)

	var stored PayloadEnvelope
	require.NoError(t, json.Unmarshal(row.Payload, &stored))
	assert.Equal(t, "evt-fixed", stored.EventID)
	assert.JSONEq(t, `{"status":"past_due"}`, string(stored.Data))
}

func TestEncodeKeepsCallerValues(t *testing.T) {
	svc := newTestService(nil)
	occurred := fixedNow.Add(-time.Hour)
	actor := &ActorRef{UserID: uuid.New(), Role: string(enums.ActorRoleAdmin)}

	event := statusEvent(uuid.New())
	event.Version = 3
	event.OccurredAt = occurred
	event.Actor = actor

	_, envelope, err := svc.encode(event)
	require.NoError(t, err)
	assert.Equal(t, 3, envelope.Version)
	assert.Equal(t, occurred, envelope.OccurredAt)
	assert.Equal(t, actor, envelope.Actor)
}

func TestEncodeRejectsBadInput(t *testing.T) {
	svc := newTestService(nil)

	unknown := statusEvent(uuid.New())
	unknown.EventType = "orders.created"
	_, _, err := svc.encode(unknown)
	assert.ErrorContains(t, err, "unknown event type")

	unmarshalable := statusEvent(uuid.New())
	unmarshalable.Data = make(chan int)
	_, _, err = svc.encode(unmarshalable)
	assert.ErrorContains(t, err, "marshal")
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc := newTestService(dbtest.Open(t))
	assert.ErrorIs(t, svc.Emit(context.Background(), nil, statusEvent(uuid.New())), errNoTx)
}

func TestEmitRollsBackWithCaller(t *testing.T) {
	conn := dbtest.Open(t)
	svc := newTestService(conn)
	kept, dropped := uuid.New(), uuid.New()

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, statusEvent(kept))
	}))
	_ = conn.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Emit(context.Background(), tx, statusEvent(dropped)))
		return assert.AnError
	})

	var rows []models.OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, kept, rows[0].AggregateID)
	assert.Nil(t, rows[0].PublishedAt)
	assert.Zero(t, rows[0].AttemptCount)
}
