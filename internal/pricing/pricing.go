// Package pricing computes effective unit prices and layaway schedules. Every
// place that shows or charges a price goes through EffectivePrice so listing,
// finalization and invoices agree.
package pricing

import (
	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
)

const (
	// MinLayawayMonths is the shortest installment plan offered.
	MinLayawayMonths = 6
)

var (
	hundred         = decimal.NewFromInt(100)
	downpaymentRate = decimal.RequireFromString("0.05")
)

// Round2 rounds to currency precision, half away from zero.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// EffectivePrice applies a discount descriptor to a base price. Unknown
// discount types and non-positive values leave the base price untouched.
func EffectivePrice(base decimal.Decimal, discountType string, discountValue decimal.Decimal) decimal.Decimal {
	if !discountValue.IsPositive() {
		return base
	}

	switch discountType {
	case domain.DiscountPercent:
		factor := decimal.NewFromInt(1).Sub(discountValue.Div(hundred))
		return floorZero(Round2(base.Mul(factor)))
	case domain.DiscountFixed:
		return floorZero(Round2(base.Sub(discountValue)))
	default:
		return base
	}
}

// ItemPrice is EffectivePrice for an item's current list price and discount.
func ItemPrice(item domain.Item) decimal.Decimal {
	return EffectivePrice(item.SellPrice, item.DiscountType, item.DiscountValue)
}

func LineTotal(unit decimal.Decimal, qty int) decimal.Decimal {
	return Round2(unit.Mul(decimal.NewFromInt(int64(qty))))
}

// LayawayMonths clamps a requested plan length to the minimum.
func LayawayMonths(requested int) int {
	if requested < MinLayawayMonths {
		return MinLayawayMonths
	}
	return requested
}

// Layaway splits total into a 5% downpayment and equal monthly installments.
func Layaway(total decimal.Decimal, requestedMonths int) domain.LayawayTerms {
	months := LayawayMonths(requestedMonths)
	down := Round2(total.Mul(downpaymentRate))
	receivable := Round2(total.Sub(down))
	monthly := Round2(receivable.Div(decimal.NewFromInt(int64(months))))
	return domain.LayawayTerms{
		Months:           months,
		Downpayment:      down,
		AmountReceivable: receivable,
		MonthlyPayment:   monthly,
	}
}

// ValidDiscount reports whether a discount descriptor is acceptable for an
// item record.
func ValidDiscount(discountType string, value decimal.Decimal) bool {
	if value.IsNegative() {
		return false
	}
	switch discountType {
	case domain.DiscountNone, domain.DiscountFixed:
		return true
	case domain.DiscountPercent:
		return value.LessThanOrEqual(hundred)
	default:
		return false
	}
}

func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
