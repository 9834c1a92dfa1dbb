// Package registry decides where each outbox event type is published and how
// its payload decodes.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/payloads"
)

// Route binds an event type to its aggregate and topic.
type Route struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	decode        func(json.RawMessage) (any, error)
}

func route[T any](eventType enums.OutboxEventType, aggregate enums.OutboxAggregateType, topic string) Route {
	return Route{
		EventType:     eventType,
		AggregateType: aggregate,
		Topic:         topic,
		decode: func(raw json.RawMessage) (any, error) {
			v := new(T)
			if err := json.Unmarshal(raw, v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// Resolved is a row that passed validation, with its typed payload.
type Resolved struct {
	Route    Route
	Envelope outbox.PayloadEnvelope
	Payload  any
}

// RejectedError marks a row that can never be published as stored.
type RejectedError struct {
	EventType enums.OutboxEventType
	Err       error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("reject %s: %v", e.EventType, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsRejected reports whether err came from a row the registry refused.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

type Registry struct {
	routes map[enums.OutboxEventType]Route
}

// New registers every event this service emits. All of them currently share
// the credits topic.
func New(cfg config.PubSubConfig) (*Registry, error) {
	if cfg.CreditsTopic == "" {
		return nil, errors.New("credits topic is required")
	}
	topic := cfg.CreditsTopic
	r := &Registry{routes: map[enums.OutboxEventType]Route{}}
	for _, rt := range []Route{
		route[payloads.CreditEntryAppendedEvent](enums.EventCreditEntryAppended, enums.AggregateLedgerEntry, topic),
		route[payloads.SubscriptionStatusChangedEvent](enums.EventSubscriptionStatusChanged, enums.AggregateSubscription, topic),
		route[payloads.FeedbackRewardedEvent](enums.EventFeedbackRewarded, enums.AggregateUser, topic),
	} {
		r.routes[rt.EventType] = rt
	}
	return r, nil
}

// Topics lists the distinct topics routes publish to.
func (r *Registry) Topics() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, rt := range r.routes {
		if _, ok := seen[rt.Topic]; ok {
			continue
		}
		seen[rt.Topic] = struct{}{}
		out = append(out, rt.Topic)
	}
	return out
}

// Resolve checks a claimed row against its route and decodes the payload.
// Every failure is a *RejectedError.
func (r *Registry) Resolve(row models.OutboxEvent) (*Resolved, error) {
	reject := func(format string, args ...any) (*Resolved, error) {
		return nil, &RejectedError{EventType: row.EventType, Err: fmt.Errorf(format, args...)}
	}

	rt, ok := r.routes[row.EventType]
	switch {
	case !ok:
		return reject("unsupported event type")
	case rt.AggregateType != row.AggregateType:
		return reject("aggregate mismatch: expected %s got %s", rt.AggregateType, row.AggregateType)
	case row.AggregateID == uuid.Nil:
		return reject("missing aggregate_id")
	}

	env, err := outbox.DecodeEnvelope(row.Payload)
	if err != nil {
		return reject("%w", err)
	}

	payload, err := rt.decode(env.Data)
	if err != nil {
		return reject("decode payload: %w", err)
	}
	return &Resolved{Route: rt, Envelope: env, Payload: payload}, nil
}
