package instrument

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundToTickIsPassive(t *testing.T) {
	es := NewFuture("ESZ6", 50, decimal.NewFromFloat(0.25), 1)
	px := decimal.NewFromFloat(5001.13)

	// buys round down, sells round up: never more aggressive than computed
	assert.True(t, es.RoundToTick(px, Buy).Equal(decimal.NewFromInt(5001)))
	assert.True(t, es.RoundToTick(px, Sell).Equal(decimal.NewFromFloat(5001.25)))
}

func TestRoundToTickOnGridIsIdentity(t *testing.T) {
	es := NewFuture("ESZ6", 50, decimal.NewFromFloat(0.25), 1)
	px := decimal.NewFromFloat(5001.25)
	assert.True(t, es.RoundToTick(px, Buy).Equal(px))
	assert.True(t, es.RoundToTick(px, Sell).Equal(px))
}

func TestSideHelpers(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
	assert.Equal(t, 1.0, Buy.Sign())
	assert.Equal(t, -1.0, Sell.Sign())
}

func TestValidate(t *testing.T) {
	ok := NewStock("spy", 1)
	assert.NoError(t, ok.Validate())
	assert.Equal(t, "SPY", ok.Symbol)

	bad := Instrument{Symbol: "X", Class: "CRYPTO", Multiplier: 1, TickSize: decimal.NewFromFloat(0.01)}
	assert.Error(t, bad.Validate())
	assert.Error(t, Instrument{Class: ClassStock, Multiplier: 1, TickSize: decimal.NewFromFloat(0.01)}.Validate())
}

func TestFXFutureDefaultsToHedge(t *testing.T) {
	fx := NewFXFuture("6EZ6", 125000, decimal.NewFromFloat(0.00005))
	assert.True(t, fx.Hedge)
	assert.Equal(t, ClassFXFuture, fx.Class)
}

func TestSlippageTableQuotelessIsNeverTighter(t *testing.T) {
	tbl := DefaultSlippage()
	for _, c := range []Class{ClassStock, ClassFuture, ClassFXFuture, ClassOption} {
		assert.GreaterOrEqual(t, tbl.QuotelessSlipFor(c), tbl.MaxSlipFor(c), "class %s", c)
	}
}

func TestSlippageUnknownClassGetsWidestBound(t *testing.T) {
	tbl := DefaultSlippage()
	assert.Equal(t, tbl.MaxSlipFor(ClassOption), tbl.MaxSlipFor("BOND"))
}
