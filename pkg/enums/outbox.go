package enums

import "slices"

// OutboxAggregateType maps to outbox_events.aggregate_type.
type OutboxAggregateType string

const (
	AggregateLedgerEntry  OutboxAggregateType = "ledger_entry"
	AggregateSubscription OutboxAggregateType = "subscription"
	AggregateUser         OutboxAggregateType = "user"
)

var aggregateTypes = []OutboxAggregateType{AggregateLedgerEntry, AggregateSubscription, AggregateUser}

func (a OutboxAggregateType) IsValid() bool { return slices.Contains(aggregateTypes, a) }

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return parse("aggregate type", aggregateTypes, value)
}

// ActorRole labels the actor stamped on an outbox envelope.
type ActorRole string

const ActorRoleAdmin ActorRole = "admin"

// OutboxEventType maps to outbox_events.event_type and doubles as the
// envelope's type discriminator.
type OutboxEventType string

const (
	EventCreditEntryAppended       OutboxEventType = "credits.entry_appended"
	EventSubscriptionStatusChanged OutboxEventType = "subscriptions.status_changed"
	EventFeedbackRewarded          OutboxEventType = "feedback.rewarded"
)

var eventTypes = []OutboxEventType{EventCreditEntryAppended, EventSubscriptionStatusChanged, EventFeedbackRewarded}

func (e OutboxEventType) IsValid() bool { return slices.Contains(eventTypes, e) }

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return parse("event type", eventTypes, value)
}

// OutboxDLQErrorReason records why the relay parked an event in outbox_dlq.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
