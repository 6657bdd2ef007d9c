package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/booking-engine/core"
	"github.com/warp/booking-engine/ledger"
)

func rate21() decimal.Decimal { return decimal.NewFromFloat(0.21) }

func TestBreakdownTax_Inclusive(t *testing.T) {
	// Spanish IVA style: the stored price already carries the tax.
	b := ledger.BreakdownTax(core.NewMoney("121.00", core.EUR), rate21(), true)

	assert.Equal(t, "100", b.Net.Amount.String())
	assert.Equal(t, "21", b.Tax.Amount.String())
	assert.Equal(t, "121", b.Gross.Amount.String())
}

func TestBreakdownTax_Inclusive_Rounding(t *testing.T) {
	b := ledger.BreakdownTax(core.NewMoney("100.00", core.EUR), rate21(), true)

	assert.Equal(t, "82.64", b.Net.Amount.String())
	assert.Equal(t, "17.36", b.Tax.Amount.String())
	// Net plus tax always reassembles the stored price exactly.
	assert.True(t, b.Net.Add(b.Tax).Equal(b.Gross))
}

func TestBreakdownTax_Exclusive(t *testing.T) {
	b := ledger.BreakdownTax(core.NewMoney("100.00", core.EUR), rate21(), false)

	assert.Equal(t, "100", b.Net.Amount.String())
	assert.Equal(t, "21", b.Tax.Amount.String())
	assert.Equal(t, "121", b.Gross.Amount.String())
}

func TestBreakdownTax_ZeroRate(t *testing.T) {
	price := core.NewMoney("50.00", core.EUR)
	b := ledger.BreakdownTax(price, decimal.Zero, true)

	assert.True(t, b.Net.Equal(price))
	assert.True(t, b.Tax.Amount.IsZero())
	assert.True(t, b.Gross.Equal(price))
}
