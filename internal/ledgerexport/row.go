package ledgerexport

import (
	"encoding/json"
	"time"

	cbigquery "cloud.google.com/go/bigquery"

	"github.com/luciaai/searchdeep-sub000/pkg/outbox/payloads"
)

// LedgerRow is one exported ledger entry in the warehouse table.
type LedgerRow struct {
	EventID          string               `bigquery:"event_id"`
	EntryID          string               `bigquery:"entry_id"`
	UserID           string               `bigquery:"user_id"`
	Amount           int64                `bigquery:"amount"`
	BalanceAfter     int64                `bigquery:"balance_after"`
	Source           string               `bigquery:"source"`
	Reason           string               `bigquery:"reason"`
	ExternalEventKey cbigquery.NullString `bigquery:"external_event_key"`
	SubscriptionID   cbigquery.NullString `bigquery:"subscription_id"`
	OccurredAt       time.Time            `bigquery:"occurred_at"`
	ExportedAt       time.Time            `bigquery:"exported_at"`
	Payload          cbigquery.NullJSON   `bigquery:"payload"`
}

func rowFromEvent(eventID string, occurredAt time.Time, raw json.RawMessage, event payloads.CreditEntryAppendedEvent, now time.Time) LedgerRow {
	row := LedgerRow{
		EventID:      eventID,
		EntryID:      event.EntryID.String(),
		UserID:       event.UserID.String(),
		Amount:       int64(event.Amount),
		BalanceAfter: int64(event.BalanceAfter),
		Source:       string(event.Source),
		Reason:       event.Reason,
		OccurredAt:   occurredAt.UTC(),
		ExportedAt:   now.UTC(),
	}
	if event.ExternalEventKey != nil && *event.ExternalEventKey != "" {
		row.ExternalEventKey = cbigquery.NullString{StringVal: *event.ExternalEventKey, Valid: true}
	}
	if event.SubscriptionID != nil {
		row.SubscriptionID = cbigquery.NullString{StringVal: event.SubscriptionID.String(), Valid: true}
	}
	if len(raw) > 0 {
		row.Payload = cbigquery.NullJSON{JSONVal: string(raw), Valid: true}
	}
	return row
}
