// Package grants decides which subscription transitions earn credits.
package grants

import (
	"encoding/json"
	"fmt"

	"github.com/luciaai/searchdeep-sub000/internal/subscriptions"
	"github.com/luciaai/searchdeep-sub000/internal/tiers"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

type tierCatalog interface {
	Lookup(id string) (tiers.Tier, bool)
}

// Rule grants Credits(tier) when Applies(transition) holds. The first
// matching rule wins.
type Rule struct {
	Name    string
	Applies func(subscriptions.Transition) bool
	Credits func(tiers.Tier) int
}

// RenewalRule grants a tier's credits once per active billing period: when an
// active subscription enters a new period, or when a subscription becomes
// active inside a period it entered while incomplete or past due. The renewal
// key on (subscription, period start) keeps a period from paying twice.
// active->active updates in the same period and non-active transitions never
// grant and never claw back.
var RenewalRule = Rule{
	Name: "active_period",
	Applies: func(tr subscriptions.Transition) bool {
		if tr.Stale || tr.NewStatus != enums.SubscriptionStatusActive {
			return false
		}
		return tr.IsNewPeriod || tr.PreviousStatus != enums.SubscriptionStatusActive
	},
	Credits: func(tier tiers.Tier) int { return tier.CreditsPerPeriod },
}

type Policy struct {
	catalog tierCatalog
	rules   []Rule
}

func NewPolicy(catalog tierCatalog, rules ...Rule) (*Policy, error) {
	if catalog == nil {
		return nil, fmt.Errorf("tier catalog required")
	}
	if len(rules) == 0 {
		rules = []Rule{RenewalRule}
	}
	for _, rule := range rules {
		if rule.Applies == nil || rule.Credits == nil {
			return nil, fmt.Errorf("grant rule %q is incomplete", rule.Name)
		}
	}
	return &Policy{catalog: catalog, rules: rules}, nil
}

// Evaluate returns the renewal entry owed for tr, or nil when nothing is owed.
// An unknown tier while a grant is due is a validation error so the provider
// redelivers once the catalog is fixed.
func (p *Policy) Evaluate(tr subscriptions.Transition, tierID string) (*models.LedgerEntry, error) {
	if tierID == "" {
		tierID = tr.TierID
	}
	for _, rule := range p.rules {
		if !rule.Applies(tr) {
			continue
		}
		tier, ok := p.catalog.Lookup(tierID)
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown tier %q", tierID)).
				WithDetails(map[string]any{"tierId": tierID, "subscriptionId": tr.SubscriptionID.String()})
		}
		credits := rule.Credits(tier)
		if credits <= 0 {
			return nil, nil
		}

		subscriptionID := tr.SubscriptionID
		periodStart := tr.PeriodStart.UTC()
		key := RenewalKey(tr)
		metadata, err := json.Marshal(map[string]any{
			"rule":                   rule.Name,
			"tierId":                 tier.ID,
			"providerSubscriptionId": tr.ProviderSubscriptionID,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode grant metadata")
		}
		return &models.LedgerEntry{
			UserID:           tr.UserID,
			Amount:           credits,
			Reason:           fmt.Sprintf("%s subscription renewal", tier.Name),
			Source:           enums.LedgerSourceSubscriptionRenewal,
			ExternalEventKey: &key,
			SubscriptionID:   &subscriptionID,
			PeriodStart:      &periodStart,
			Metadata:         metadata,
		}, nil
	}
	return nil, nil
}

// RenewalKey is the ledger key for a subscription period grant.
func RenewalKey(tr subscriptions.Transition) string {
	return fmt.Sprintf("renewal:%s:%d", tr.SubscriptionID, tr.PeriodStart.UTC().Unix())
}
