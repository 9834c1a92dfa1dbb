// Package stripewebhook authenticates Stripe webhook deliveries and maps them
// onto provider-neutral reconciliation events.
package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/luciaai/searchdeep-sub000/internal/reconciliation"
	"github.com/luciaai/searchdeep-sub000/internal/subscriptions"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

const metadataUserID = "user_id"

// tierMetadataKeys are read in order; "tier" is the legacy key.
var tierMetadataKeys = []string{"tierId", "tier"}

type VerifierParams struct {
	SigningSecret string
	Tolerance     time.Duration
}

// Verifier checks the Stripe-Signature header and decodes the event. It never
// calls back into Stripe: everything it needs is in the signed payload.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(params VerifierParams) (*Verifier, error) {
	secret := strings.TrimSpace(params.SigningSecret)
	if secret == "" {
		return nil, fmt.Errorf("stripe webhook secret required")
	}
	tolerance := params.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify implements reconciliation.Verifier. Signature failures are
// unauthorized; payloads that verify but cannot be mapped are validation
// errors. Event types other than subscription changes and completed checkouts
// verify as KindIgnored.
func (v *Verifier) Verify(_ context.Context, payload []byte, signature string) (*reconciliation.ProviderEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "stripe signature missing")
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, v.secret, v.tolerance); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "verify stripe signature")
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe event")
	}
	return mapEvent(&event)
}

func mapEvent(event *stripe.Event) (*reconciliation.ProviderEvent, error) {
	if strings.TrimSpace(event.ID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event id missing")
	}
	out := &reconciliation.ProviderEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Kind:       reconciliation.KindIgnored,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Created == 0 {
		out.OccurredAt = time.Time{}
	}

	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, err
		}
		status, err := StatusEventFromSubscription(&sub)
		if err != nil {
			return nil, err
		}
		status.OccurredAt = out.OccurredAt
		out.Kind = reconciliation.KindSubscriptionStatus
		out.Subscription = status

	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := decodeObject(event, &session); err != nil {
			return nil, err
		}
		link, err := checkoutLink(&session)
		if err != nil {
			return nil, err
		}
		if link != nil {
			out.Kind = reconciliation.KindCheckoutCompleted
			out.Checkout = link
		}
	}
	return out, nil
}

// StatusEventFromSubscription maps a Stripe subscription onto a StatusEvent.
// The billing period comes from the first item, falling back to the billing
// cycle anchor for single-item plans without one.
func StatusEventFromSubscription(sub *stripe.Subscription) (*subscriptions.StatusEvent, error) {
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe subscription id missing")
	}
	status, err := enums.NormalizeProviderStatus(string(sub.Status))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "map stripe subscription status")
	}

	ev := &subscriptions.StatusEvent{
		ProviderSubscriptionID: sub.ID,
		Status:                 status,
		TierID:                 tierFor(sub),
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	if raw := strings.TrimSpace(sub.Metadata[metadataUserID]); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user_id metadata")
		}
		ev.UserID = userID
	}

	start, end := periodFor(sub)
	if start == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe subscription period missing").
			WithDetails(map[string]any{"subscriptionId": sub.ID})
	}
	ev.PeriodStart = time.Unix(start, 0).UTC()
	if end >= start {
		ev.PeriodEnd = time.Unix(end, 0).UTC()
	} else {
		ev.PeriodEnd = ev.PeriodStart
	}
	return ev, nil
}

func periodFor(sub *stripe.Subscription) (int64, int64) {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodStart > 0 {
				return item.CurrentPeriodStart, item.CurrentPeriodEnd
			}
		}
	}
	return sub.BillingCycleAnchor, 0
}

// tierFor prefers the metadata tier, then the first price lookup key.
func tierFor(sub *stripe.Subscription) string {
	for _, key := range tierMetadataKeys {
		if tier := strings.TrimSpace(sub.Metadata[key]); tier != "" {
			return strings.ToLower(tier)
		}
	}
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && strings.TrimSpace(item.Price.LookupKey) != "" {
			return strings.ToLower(strings.TrimSpace(item.Price.LookupKey))
		}
	}
	return ""
}

func checkoutLink(session *stripe.CheckoutSession) (*reconciliation.CheckoutLink, error) {
	if session.Customer == nil || strings.TrimSpace(session.Customer.ID) == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(session.ClientReferenceID)
	if raw == "" {
		raw = strings.TrimSpace(session.Metadata[metadataUserID])
	}
	if raw == "" {
		return nil, nil
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid checkout client reference")
	}
	return &reconciliation.CheckoutLink{UserID: userID, CustomerID: session.Customer.ID}, nil
}

func decodeObject(event *stripe.Event, target any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	if err := json.Unmarshal(event.Data.Raw, target); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe event object")
	}
	return nil
}
