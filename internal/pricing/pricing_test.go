package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"magsd/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEffectivePrice(t *testing.T) {
	cases := []struct {
		name  string
		base  string
		dtype string
		value string
		want  string
	}{
		{"none", "1000", domain.DiscountNone, "25", "1000"},
		{"zero value ignored", "1000", domain.DiscountPercent, "0", "1000"},
		{"negative value ignored", "1000", domain.DiscountFixed, "-5", "1000"},
		{"percent", "1000", domain.DiscountPercent, "15", "850"},
		{"percent rounds", "999.99", domain.DiscountPercent, "33", "669.99"},
		{"percent over hundred floors", "100", domain.DiscountPercent, "120", "0"},
		{"fixed", "1500", domain.DiscountFixed, "250.50", "1249.5"},
		{"fixed floors at zero", "100", domain.DiscountFixed, "150", "0"},
		{"unknown type", "80", "bogus", "10", "80"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EffectivePrice(dec(tc.base), tc.dtype, dec(tc.value))
			if !got.Equal(dec(tc.want)) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestLayawayScheduleForSixMonths(t *testing.T) {
	terms := Layaway(dec("2500"), 6)
	if terms.Months != 6 {
		t.Fatalf("expected 6 months, got %d", terms.Months)
	}
	if !terms.Downpayment.Equal(dec("125.00")) {
		t.Fatalf("expected downpayment 125.00, got %s", terms.Downpayment)
	}
	if !terms.AmountReceivable.Equal(dec("2375.00")) {
		t.Fatalf("expected receivable 2375.00, got %s", terms.AmountReceivable)
	}
	if !terms.MonthlyPayment.Equal(dec("395.83")) {
		t.Fatalf("expected monthly 395.83, got %s", terms.MonthlyPayment)
	}
}

func TestLayawayClampsShortPlans(t *testing.T) {
	for _, requested := range []int{-3, 0, 1, 5} {
		if got := Layaway(dec("600"), requested).Months; got != MinLayawayMonths {
			t.Fatalf("requested %d: expected %d months, got %d", requested, MinLayawayMonths, got)
		}
	}
	if got := Layaway(dec("600"), 12).Months; got != 12 {
		t.Fatalf("expected 12 months to be kept, got %d", got)
	}
}

func TestValidDiscount(t *testing.T) {
	if !ValidDiscount(domain.DiscountPercent, dec("100")) {
		t.Fatalf("100 percent should be valid")
	}
	if ValidDiscount(domain.DiscountPercent, dec("100.01")) {
		t.Fatalf("over 100 percent should be rejected")
	}
	if ValidDiscount(domain.DiscountFixed, dec("-1")) {
		t.Fatalf("negative discount should be rejected")
	}
	if ValidDiscount("bulk", dec("1")) {
		t.Fatalf("unknown discount type should be rejected")
	}
}

func TestLineTotal(t *testing.T) {
	if got := LineTotal(dec("669.99"), 3); !got.Equal(dec("2009.97")) {
		t.Fatalf("expected 2009.97, got %s", got)
	}
}
