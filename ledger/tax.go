package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/core"
)

// TaxBreakdown splits a price into net and tax at a flat rate.
//
// When the stored price is tax-inclusive the net is derived by division;
// when tax is added on top, the tax is a straight multiplication. Both
// paths recompute from the stored price, including after a staff price
// override - there is no approximated fallback.
type TaxBreakdown struct {
	Net   core.Money
	Tax   core.Money
	Gross core.Money
}

// BreakdownTax computes the split for a price at rate (e.g. 0.21).
func BreakdownTax(price core.Money, rate decimal.Decimal, included bool) TaxBreakdown {
	if rate.IsZero() {
		return TaxBreakdown{Net: price, Tax: price.Zero(), Gross: price}
	}
	if included {
		net := core.NewMoneyFromDecimal(
			price.Amount.Div(decimal.NewFromInt(1).Add(rate)).Round(2),
			price.Currency,
		)
		return TaxBreakdown{Net: net, Tax: price.Sub(net), Gross: price}
	}
	tax := core.NewMoneyFromDecimal(price.Amount.Mul(rate).Round(2), price.Currency)
	return TaxBreakdown{Net: price, Tax: tax, Gross: price.Add(tax)}
}
