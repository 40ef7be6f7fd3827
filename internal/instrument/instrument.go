package instrument

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Class is the closed set of asset classes the execution core understands.
// Broker adapters map their own object models onto these variants; nothing
// downstream ever branches on a broker-specific type.
type Class string

const (
	ClassStock    Class = "STOCK"
	ClassFuture   Class = "FUTURE"
	ClassFXFuture Class = "FX_FUTURE"
	ClassOption   Class = "OPTION"
)

func (c Class) Valid() bool {
	switch c {
	case ClassStock, ClassFuture, ClassFXFuture, ClassOption:
		return true
	}
	return false
}

// Side encodes trade direction. Quantities are unsigned everywhere; the side
// carries the sign.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the opposing direction, used when unwinding hedges.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign maps a side onto {+1, -1} for signed-quantity arithmetic.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Instrument identifies one tradable contract together with the static
// attributes execution needs: contract multiplier, tick size and a liquidity
// tier (lower is more liquid, used for submission ordering).
type Instrument struct {
	Symbol        string
	Class         Class
	Multiplier    float64
	TickSize      decimal.Decimal
	LiquidityTier int

	// Hedge marks instruments whose purpose is risk reduction (index futures,
	// FX hedges). They submit ahead of everything else.
	Hedge bool
}

func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("instrument: empty symbol")
	}
	if !i.Class.Valid() {
		return fmt.Errorf("instrument %s: unknown class %q", i.Symbol, i.Class)
	}
	if i.Multiplier <= 0 {
		return fmt.Errorf("instrument %s: multiplier must be positive", i.Symbol)
	}
	if i.TickSize.Sign() <= 0 {
		return fmt.Errorf("instrument %s: tick size must be positive", i.Symbol)
	}
	return nil
}

// RoundToTick snaps a price onto the instrument's tick grid, rounding in the
// passive direction (down for buys, up for sells) so rounding never makes an
// order more aggressive than the computed price.
func (i Instrument) RoundToTick(px decimal.Decimal, side Side) decimal.Decimal {
	if i.TickSize.Sign() <= 0 {
		return px
	}
	ticks := px.Div(i.TickSize)
	if side == Buy {
		ticks = ticks.Floor()
	} else {
		ticks = ticks.Ceil()
	}
	return ticks.Mul(i.TickSize)
}

// NewStock builds a single-name equity with a one-cent tick.
func NewStock(symbol string, tier int) Instrument {
	return Instrument{
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		Class:         ClassStock,
		Multiplier:    1,
		TickSize:      decimal.NewFromFloat(0.01),
		LiquidityTier: tier,
	}
}

// NewFuture builds an index or commodity future.
func NewFuture(symbol string, multiplier float64, tick decimal.Decimal, tier int) Instrument {
	return Instrument{
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		Class:         ClassFuture,
		Multiplier:    multiplier,
		TickSize:      tick,
		LiquidityTier: tier,
	}
}

// NewFXFuture builds a currency future. FX futures default to hedge priority
// because the account uses them to neutralize currency exposure.
func NewFXFuture(symbol string, multiplier float64, tick decimal.Decimal) Instrument {
	return Instrument{
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		Class:         ClassFXFuture,
		Multiplier:    multiplier,
		TickSize:      tick,
		LiquidityTier: 1,
		Hedge:         true,
	}
}

// NewOption builds an option contract (standard 100 multiplier unless stated).
func NewOption(symbol string, multiplier float64, tick decimal.Decimal, tier int) Instrument {
	if multiplier <= 0 {
		multiplier = 100
	}
	return Instrument{
		Symbol:        strings.ToUpper(strings.TrimSpace(symbol)),
		Class:         ClassOption,
		Multiplier:    multiplier,
		TickSize:      tick,
		LiquidityTier: tier,
	}
}
