/*
money.go - Monetary amounts with currency

PURPOSE:
  Money is the single representation of a monetary value in the engine.
  Every price, ledger amount, and wallet credit flows through this type.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal, never float64. A €19.99 court fee must
     stay €19.99 through every discount, tax, and refund computation.
  2. Non-negativity at the edges: ledger amounts are absolute values;
     direction (credit/debit) is a separate field, never a sign.
  3. Currency is carried, not assumed. Cross-currency arithmetic is a
     programming error and panics loudly in development.

USAGE:
  price := core.NewMoney("19.99", core.EUR)
  discounted := price.Sub(core.NewMoney("1.00", core.EUR))

SEE ALSO:
  - ledger/types.go: Direction is modelled separately from the amount
  - promo/promo.go: discount arithmetic over Money
*/
package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code.
type Currency string

const (
	EUR Currency = "EUR"
	USD Currency = "USD"
)

// Money is an exact monetary amount in a single currency.
type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

// NewMoney parses a decimal string into Money. Invalid input yields zero,
// mirroring how stored amounts are re-hydrated from the database.
func NewMoney(amount string, currency Currency) Money {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		d = decimal.Zero
	}
	return Money{Amount: d, Currency: currency}
}

// NewMoneyFromDecimal wraps an existing decimal.
func NewMoneyFromDecimal(d decimal.Decimal, currency Currency) Money {
	return Money{Amount: d, Currency: currency}
}

// Zero returns the zero amount in this money's currency.
func (m Money) Zero() Money { return Money{Amount: decimal.Zero, Currency: m.Currency} }

func (m Money) Add(o Money) Money { m.assertSame(o); return Money{m.Amount.Add(o.Amount), m.Currency} }
func (m Money) Sub(o Money) Money { m.assertSame(o); return Money{m.Amount.Sub(o.Amount), m.Currency} }

// Mul scales the amount by a dimensionless factor (e.g. a percentage).
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

func (m Money) LessThan(o Money) bool    { m.assertSame(o); return m.Amount.LessThan(o.Amount) }
func (m Money) GreaterThan(o Money) bool { m.assertSame(o); return m.Amount.GreaterThan(o.Amount) }

// Min returns the smaller of the two amounts.
func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// Equal compares amount and currency. Decimal comparison ignores scale,
// so "1.0" equals "1.00".
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// String renders the amount with two decimal places, e.g. "19.99 EUR".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(2), m.Currency)
}

func (m Money) assertSame(o Money) {
	if m.Currency != "" && o.Currency != "" && m.Currency != o.Currency {
		panic(fmt.Sprintf("mixed currencies: %s vs %s", m.Currency, o.Currency))
	}
}
