package discount

import (
	"fmt"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Result describes what a promo code does to a cart.
type Result struct {
	IsValid         bool
	Amount          int64 // minor units
	Reason          string
	ApplicableTiers []string
}

// Calculate validates the discount against the priced cart and works out the
// amount to take off. An invalid code comes back with IsValid=false and a
// reason; only a malformed discount row is an error.
func Calculate(d *models.Discount, lines []models.LineItem, now time.Time) (*Result, error) {
	result := &Result{ApplicableTiers: make([]string, 0)}
	if d == nil {
		return result, nil
	}

	if !d.Active {
		result.Reason = "Discount is not active"
		return result, nil
	}
	if !d.ActiveFrom.IsZero() && now.Before(d.ActiveFrom) {
		result.Reason = "Discount is not yet active"
		return result, nil
	}
	if !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt) {
		result.Reason = "Discount has expired"
		return result, nil
	}
	if d.MaxUsage > 0 && d.CurrentUsage >= d.MaxUsage {
		result.Reason = "Discount usage limit has been reached"
		return result, nil
	}

	scoped := make(map[string]bool, len(d.ApplicableTiers))
	for _, id := range d.ApplicableTiers {
		scoped[id] = true
		result.ApplicableTiers = append(result.ApplicableTiers, id)
	}

	var cartSubtotal, applicableSubtotal int64
	matched := false
	for _, l := range lines {
		cartSubtotal += l.Total()
		if len(scoped) == 0 || scoped[l.TierID] {
			applicableSubtotal += l.Total()
			matched = true
		}
	}

	if len(scoped) > 0 && !matched {
		result.Reason = "No items in cart match the discount's applicable tiers"
		return result, nil
	}
	if d.MinSpend > 0 && cartSubtotal < d.MinSpend {
		result.Reason = fmt.Sprintf("Cart subtotal does not meet minimum spend requirement of %d", d.MinSpend)
		return result, nil
	}

	var amount int64
	switch d.Type {
	case models.DiscountFlatOff:
		if d.Amount <= 0 {
			return nil, fmt.Errorf("discount %s: FLAT_OFF needs a positive amount", d.ID)
		}
		amount = min(d.Amount, applicableSubtotal)

	case models.DiscountPercentage:
		if !d.Percent.IsPositive() || d.Percent.GreaterThan(hundred) {
			return nil, fmt.Errorf("discount %s: percentage must be above 0 and at most 100", d.ID)
		}
		// Half-up to the minor unit.
		amount = decimal.NewFromInt(applicableSubtotal).Mul(d.Percent).Div(hundred).Round(0).IntPart()
		if d.MaxDiscount > 0 && amount > d.MaxDiscount {
			amount = d.MaxDiscount
		}

	default:
		return nil, fmt.Errorf("unsupported discount type: %s", d.Type)
	}

	result.IsValid = true
	result.Amount = min(amount, cartSubtotal)
	return result, nil
}
