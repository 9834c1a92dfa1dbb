package outboxrelay

import (
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/payloads"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/registry"
)

// buildMessage forwards the stored envelope untouched. Events about one user
// share an ordering key so subscribers see that user's ledger in commit order.
func buildMessage(row models.OutboxEvent, resolved *registry.Resolved) *gcppubsub.Message {
	msg := &gcppubsub.Message{
		Data: row.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
			"created_at":     row.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if scoped, ok := resolved.Payload.(payloads.UserScoped); ok {
		if userID := scoped.SubjectUserID(); userID != uuid.Nil {
			msg.Attributes["user_id"] = userID.String()
			msg.OrderingKey = userID.String()
		}
	}
	return msg
}
