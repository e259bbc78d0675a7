package plan

import "github.com/shopspring/decimal"

// PricingPlan is a purchasable tier from the catalog.
type PricingPlan struct {
	ID             string
	Name           Type
	DisplayName    string
	PriceMonthly   decimal.Decimal
	PriceYearly    decimal.Decimal
	TokensIncluded int
	Features       []string
	IsActive       bool
}

// FindPricing returns the active catalog entry with the given name.
func FindPricing(plans []PricingPlan, name Type) (PricingPlan, bool) {
	for _, p := range plans {
		if p.Name == name && p.IsActive {
			return p, true
		}
	}
	return PricingPlan{}, false
}
