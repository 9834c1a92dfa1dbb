package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/pkg/enums"
)

// UserScoped payloads name the user they concern. The relay uses it as the
// message ordering key.
type UserScoped interface {
	SubjectUserID() uuid.UUID
}

// CreditEntryAppendedEvent is emitted for every committed ledger entry.
type CreditEntryAppendedEvent struct {
	EntryID          uuid.UUID          `json:"entry_id"`
	UserID           uuid.UUID          `json:"user_id"`
	Amount           int                `json:"amount"`
	BalanceAfter     int                `json:"balance_after"`
	Source           enums.LedgerSource `json:"source"`
	Reason           string             `json:"reason"`
	ExternalEventKey *string            `json:"external_event_key,omitempty"`
	SubscriptionID   *uuid.UUID         `json:"subscription_id,omitempty"`
}

// SubscriptionStatusChangedEvent is emitted when a tracked subscription changes
// status or rolls into a new billing period.
type SubscriptionStatusChangedEvent struct {
	SubscriptionID         uuid.UUID                `json:"subscription_id"`
	ProviderSubscriptionID string                   `json:"provider_subscription_id"`
	UserID                 uuid.UUID                `json:"user_id"`
	PreviousStatus         enums.SubscriptionStatus `json:"previous_status,omitempty"`
	Status                 enums.SubscriptionStatus `json:"status"`
	TierID                 string                   `json:"tier_id"`
	PeriodStart            time.Time                `json:"period_start"`
	NewPeriod              bool                     `json:"new_period"`
}

// FeedbackRewardedEvent tells the feedback collaborator a record was rewarded.
type FeedbackRewardedEvent struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
	UserID     uuid.UUID `json:"user_id"`
	RewardedBy uuid.UUID `json:"rewarded_by"`
}

func (e CreditEntryAppendedEvent) SubjectUserID() uuid.UUID       { return e.UserID }
func (e SubscriptionStatusChangedEvent) SubjectUserID() uuid.UUID { return e.UserID }
func (e FeedbackRewardedEvent) SubjectUserID() uuid.UUID          { return e.UserID }
