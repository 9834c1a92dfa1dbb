package enums

import "slices"

// LedgerSource classifies why a credit ledger entry exists. Maps to the
// ledger_source enum in Postgres.
type LedgerSource string

const (
	LedgerSourceSignup              LedgerSource = "signup"
	LedgerSourceSubscriptionRenewal LedgerSource = "subscription_renewal"
	LedgerSourceAdminGrant          LedgerSource = "admin_grant"
	LedgerSourceAdminRemoval        LedgerSource = "admin_removal"
	LedgerSourceConsumption         LedgerSource = "consumption"
	LedgerSourceReward              LedgerSource = "reward"
)

var validLedgerSources = []LedgerSource{
	LedgerSourceSignup,
	LedgerSourceSubscriptionRenewal,
	LedgerSourceAdminGrant,
	LedgerSourceAdminRemoval,
	LedgerSourceConsumption,
	LedgerSourceReward,
}

func (s LedgerSource) String() string { return string(s) }

// IsValid reports whether the value matches the ledger_source enum.
func (s LedgerSource) IsValid() bool { return slices.Contains(validLedgerSources, s) }

// IsDebit reports whether entries of this source must carry a negative amount.
func (s LedgerSource) IsDebit() bool {
	return s == LedgerSourceConsumption || s == LedgerSourceAdminRemoval
}

// IsAdmin reports whether the source records a manual admin adjustment.
func (s LedgerSource) IsAdmin() bool {
	return s == LedgerSourceAdminGrant || s == LedgerSourceAdminRemoval
}

func ParseLedgerSource(value string) (LedgerSource, error) {
	return parse("ledger source", validLedgerSources, value)
}
