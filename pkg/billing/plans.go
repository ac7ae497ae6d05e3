package billing

import (
	"errors"
	"fmt"
)

// PriceMap binds local plans to the provider's price references.
// Both plans must be mapped; checkout and plan changes go through it in both
// directions, so a price id coming back in a webhook resolves to a plan.
type PriceMap struct {
	monthly string
	yearly  string
}

// NewPriceMap validates and builds the plan to price binding.
func NewPriceMap(monthlyPriceID, yearlyPriceID string) (PriceMap, error) {
	if monthlyPriceID == "" || yearlyPriceID == "" {
		return PriceMap{}, errors.Join(ErrInvalidPriceMap,
			errors.New("both monthly and yearly price IDs are required"))
	}
	if monthlyPriceID == yearlyPriceID {
		return PriceMap{}, errors.Join(ErrInvalidPriceMap,
			errors.New("monthly and yearly price IDs must differ"))
	}
	return PriceMap{monthly: monthlyPriceID, yearly: yearlyPriceID}, nil
}

// PriceID returns the provider price reference for a plan.
func (m PriceMap) PriceID(plan Plan) (string, error) {
	switch plan {
	case PlanMonthly:
		return m.monthly, nil
	case PlanYearly:
		return m.yearly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
}

// PlanFor resolves a provider price reference back to the local plan.
// Returns the zero Plan for prices this system does not sell.
func (m PriceMap) PlanFor(priceID string) Plan {
	switch priceID {
	case m.monthly:
		return PlanMonthly
	case m.yearly:
		return PlanYearly
	default:
		return ""
	}
}
