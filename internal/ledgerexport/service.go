package ledgerexport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/payloads"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/registry"
)

const consumerName = "ledger-export"

type rowWriter interface {
	Write(ctx context.Context, row LedgerRow) error
}

// processedStore remembers exported event ids for a bounded time.
type processedStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type resolver interface {
	Resolve(models.OutboxEvent) (*registry.Resolved, error)
}

type ServiceParams struct {
	Subscription *gcppubsub.Subscriber
	Registry     resolver
	Writer       rowWriter
	Processed    processedStore
	ProcessedTTL time.Duration
	Logger       *logger.Logger
}

// Service copies committed ledger entries from the credit events
// subscription into BigQuery. Other event types on the topic are acked and
// ignored.
type Service struct {
	subscription *gcppubsub.Subscriber
	events       resolver
	writer       rowWriter
	processed    processedStore
	ttl          time.Duration
	logg         *logger.Logger
	now          func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.Subscription == nil:
		return nil, errors.New("credits subscription is required")
	case p.Registry == nil:
		return nil, errors.New("event registry is required")
	case p.Writer == nil:
		return nil, errors.New("ledger row writer is required")
	case p.Processed == nil:
		return nil, errors.New("processed event store is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.ProcessedTTL <= 0:
		return nil, errors.New("processed ttl must be positive")
	}
	return &Service{
		subscription: p.Subscription,
		events:       p.Registry,
		writer:       p.Writer,
		processed:    p.Processed,
		ttl:          p.ProcessedTTL,
		logg:         p.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run consumes messages until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	return s.subscription.Receive(ctx, func(msgCtx context.Context, msg *gcppubsub.Message) {
		if s.handle(msgCtx, msg) == nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type ackDecision bool

const (
	ack  ackDecision = false
	nack ackDecision = true
)

// handle acks anything that can never be exported and nacks transient
// failures so Pub/Sub redelivers them.
func (s *Service) handle(ctx context.Context, msg *gcppubsub.Message) ackDecision {
	eventType := enums.OutboxEventType(strings.TrimSpace(msg.Attributes["event_type"]))
	ctx = s.logg.WithFields(ctx, map[string]any{"message_id": msg.ID, "event_type": eventType})

	if eventType != enums.EventCreditEntryAppended {
		s.logg.Debug(ctx, "ledger_export.skip_event_type")
		return ack
	}

	row, err := s.decode(msg, eventType)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "ledger_export.invalid_message")
		return ack
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"event_id": row.EventID, "entry_id": row.EntryID, "user_id": row.UserID})

	key := s.processed.IdempotencyKey(consumerName, row.EventID)
	fresh, err := s.processed.SetNX(ctx, key, "1", s.ttl)
	switch {
	case err != nil:
		s.logg.Error(ctx, "ledger_export.processed_check_failed", err)
		return nack
	case !fresh:
		s.logg.Info(ctx, "ledger_export.already_exported")
		return ack
	}

	if err := s.writer.Write(ctx, row); err != nil {
		s.logg.Error(ctx, "ledger_export.write_failed", err)
		if delErr := s.processed.Del(ctx, key); delErr != nil {
			s.logg.Error(ctx, "ledger_export.processed_release_failed", delErr)
		}
		return nack
	}
	s.logg.Info(ctx, "ledger_export.row_written")
	return ack
}

// decode rebuilds the outbox row from the message so the registry applies the
// same checks the relay did before publishing.
func (s *Service) decode(msg *gcppubsub.Message, eventType enums.OutboxEventType) (LedgerRow, error) {
	aggregateID, err := uuid.Parse(msg.Attributes["aggregate_id"])
	if err != nil {
		return LedgerRow{}, fmt.Errorf("aggregate_id: %w", err)
	}
	resolved, err := s.events.Resolve(models.OutboxEvent{
		EventType:     eventType,
		AggregateType: enums.OutboxAggregateType(msg.Attributes["aggregate_type"]),
		AggregateID:   aggregateID,
		Payload:       msg.Data,
	})
	if err != nil {
		return LedgerRow{}, err
	}

	env := resolved.Envelope
	if _, err := uuid.Parse(env.EventID); err != nil {
		return LedgerRow{}, fmt.Errorf("event_id: %w", err)
	}
	event, ok := resolved.Payload.(*payloads.CreditEntryAppendedEvent)
	if !ok {
		return LedgerRow{}, fmt.Errorf("unexpected payload %T", resolved.Payload)
	}
	if event.EntryID == uuid.Nil || event.UserID == uuid.Nil {
		return LedgerRow{}, errors.New("entry_id and user_id are required")
	}
	if !event.Source.IsValid() {
		return LedgerRow{}, fmt.Errorf("unknown ledger source %q", event.Source)
	}

	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt, _ = time.Parse(time.RFC3339Nano, msg.Attributes["created_at"])
	}
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	return rowFromEvent(env.EventID, occurredAt, env.Data, *event, s.now()), nil
}
