// Package tiers holds the subscription tier catalog: price and credits per
// billing period for each tier id the payment provider reports.
package tiers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is one purchasable plan.
type Tier struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	MonthlyPrice     decimal.Decimal `json:"monthlyPrice"`
	Currency         string          `json:"currency"`
	CreditsPerPeriod int             `json:"creditsPerPeriod"`
}

// PricePerCredit is the effective unit price, rounded to four places.
func (t Tier) PricePerCredit() decimal.Decimal {
	if t.CreditsPerPeriod <= 0 {
		return decimal.Zero
	}
	return t.MonthlyPrice.Div(decimal.NewFromInt(int64(t.CreditsPerPeriod))).Round(4)
}

// Defaults is the built-in catalog.
func Defaults() []Tier {
	return []Tier{
		{ID: "basic", Name: "Basic", MonthlyPrice: decimal.RequireFromString("9.99"), Currency: "usd", CreditsPerPeriod: 30},
		{ID: "pro", Name: "Pro", MonthlyPrice: decimal.RequireFromString("24.99"), Currency: "usd", CreditsPerPeriod: 100},
		{ID: "premium", Name: "Premium", MonthlyPrice: decimal.RequireFromString("59.99"), Currency: "usd", CreditsPerPeriod: 300},
	}
}

type Catalog struct {
	tiers map[string]Tier
}

// NewCatalog builds a catalog from base, applying per-tier credit overrides.
// Overrides may not introduce tiers that have no price.
func NewCatalog(base []Tier, creditOverrides map[string]int) (*Catalog, error) {
	c := &Catalog{tiers: make(map[string]Tier, len(base))}
	for _, tier := range base {
		id := normalizeID(tier.ID)
		if id == "" {
			return nil, fmt.Errorf("tier id is required")
		}
		if _, dup := c.tiers[id]; dup {
			return nil, fmt.Errorf("duplicate tier %q", id)
		}
		tier.ID = id
		c.tiers[id] = tier
	}
	for rawID, credits := range creditOverrides {
		id := normalizeID(rawID)
		tier, ok := c.tiers[id]
		if !ok {
			return nil, fmt.Errorf("credit override for unknown tier %q", rawID)
		}
		if credits < 0 {
			return nil, fmt.Errorf("tier %q credits must not be negative", rawID)
		}
		tier.CreditsPerPeriod = credits
		c.tiers[id] = tier
	}
	return c, nil
}

// Lookup resolves a tier id case-insensitively.
func (c *Catalog) Lookup(id string) (Tier, bool) {
	if c == nil {
		return Tier{}, false
	}
	tier, ok := c.tiers[normalizeID(id)]
	return tier, ok
}

// All returns the catalog ordered by price.
func (c *Catalog) All() []Tier {
	out := make([]Tier, 0, len(c.tiers))
	for _, tier := range c.tiers {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].MonthlyPrice.Cmp(out[j].MonthlyPrice); cmp != 0 {
			return cmp < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
