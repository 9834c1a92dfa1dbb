package reconciliation

import (
	"time"

	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/internal/subscriptions"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
)

// State is a step of the reconciliation state machine:
// RECEIVED -> VERIFIED -> DEDUP_CHECKED -> ADMITTED -> APPLIED, or
// DEDUP_CHECKED -> REJECTED_DUPLICATE -> ACK.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateVerified          State = "VERIFIED"
	StateDedupChecked      State = "DEDUP_CHECKED"
	StateAdmitted          State = "ADMITTED"
	StateApplied           State = "APPLIED"
	StateRejectedDuplicate State = "REJECTED_DUPLICATE"
	StateAcknowledged      State = "ACK"
	StateFailed            State = "FAILED"
)

// Event types recorded in processed_events for internal callers.
const (
	EventTypeAdminAdjustment = "admin_adjustment"
	EventTypeConsumption     = "consumption"
)

// ProviderEventKind says what a verified provider event asks the engine to do.
type ProviderEventKind string

const (
	KindSubscriptionStatus ProviderEventKind = "subscription_status"
	KindCheckoutCompleted  ProviderEventKind = "checkout_completed"
	KindIgnored            ProviderEventKind = "ignored"
)

// CheckoutLink ties a provider customer to one of our users.
type CheckoutLink struct {
	UserID     uuid.UUID
	CustomerID string
}

// ProviderEvent is a verified, provider-neutral webhook event.
type ProviderEvent struct {
	ID           string
	Type         string
	Kind         ProviderEventKind
	OccurredAt   time.Time
	Subscription *subscriptions.StatusEvent
	Checkout     *CheckoutLink
}

// Outcome reports how an event was reconciled.
type Outcome struct {
	State      State
	Path       []State
	EventKey   string
	Duplicate  bool
	NewBalance *int
	Entry      *models.LedgerEntry
	Transition *subscriptions.Transition
	// FeedbackRewarded is only meaningful for admin adjustments.
	FeedbackRewarded bool
}

func (o *Outcome) advance(state State) {
	o.State = state
	o.Path = append(o.Path, state)
}

// HistoryQuery re-exports the ledger paging options for API callers.
type HistoryQuery = ledger.HistoryQuery
