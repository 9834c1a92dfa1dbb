package enums

import (
	"slices"
	"strings"
)

// SubscriptionStatus is the normalized subscription state tracked locally.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

var validSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusCanceled,
	SubscriptionStatusIncomplete,
}

// providerStatusAliases folds the provider's wider status vocabulary onto the
// four states the ledger cares about.
var providerStatusAliases = map[string]SubscriptionStatus{
	"trialing":           SubscriptionStatusActive,
	"unpaid":             SubscriptionStatusPastDue,
	"paused":             SubscriptionStatusPastDue,
	"cancelled":          SubscriptionStatusCanceled,
	"incomplete_expired": SubscriptionStatusCanceled,
}

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) IsValid() bool {
	return slices.Contains(validSubscriptionStatuses, s)
}

func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	return parse("subscription status", validSubscriptionStatuses, value)
}

// NormalizeProviderStatus maps a payment provider status onto SubscriptionStatus.
func NormalizeProviderStatus(value string) (SubscriptionStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if alias, ok := providerStatusAliases[normalized]; ok {
		return alias, nil
	}
	return ParseSubscriptionStatus(normalized)
}
