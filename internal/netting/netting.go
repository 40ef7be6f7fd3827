package netting

import (
	"math"
	"sort"
	"strings"

	"converge/internal/instrument"
	"converge/internal/logger"
)

// Intent is one desired directional trade. Quantity is unsigned; Side carries
// the direction. Intents are immutable once created and consumed exactly once
// by the aggregator.
type Intent struct {
	Instrument  instrument.Instrument
	Side        instrument.Side
	Quantity    float64
	StrategyTag string
	Urgency     int
}

// Signed returns the signed quantity for aggregation arithmetic.
func (i Intent) Signed() float64 {
	return i.Quantity * i.Side.Sign()
}

// Translate turns scaled targets minus current holdings into intents, one per
// instrument per strategy. Targets and current quantities are signed; the
// scaling factor comes from the risk decision and is applied to targets only.
func Translate(targets map[string]float64, current map[string]float64, scaling float64, universe map[string]instrument.Instrument, tag string) []Intent {
	var out []Intent
	for sym, target := range targets {
		inst, ok := universe[sym]
		if !ok {
			logger.Warnf("netting: unknown instrument symbol=%s, skipping", sym)
			continue
		}
		delta := target*scaling - current[sym]
		if delta == 0 {
			continue
		}
		side := instrument.Buy
		if delta < 0 {
			side = instrument.Sell
		}
		out = append(out, Intent{
			Instrument:  inst,
			Side:        side,
			Quantity:    math.Abs(delta),
			StrategyTag: tag,
		})
	}
	return out
}

// Result carries the netted intents together with the netting benefit, the
// gross quantity the aggregation saved (sum of |original| minus |net|).
type Result struct {
	Intents []Intent
	Benefit float64
	Dropped int
}

// Net merges opposing intents per instrument into a single net intent. The
// netted signed quantity is the algebraic sum of the originals; nets whose
// notional falls below minNotional are dropped. prices supplies a reference
// price per symbol for the notional check (missing price: keep the intent,
// a pricing gap must not silently delete a trade).
func Net(intents []Intent, prices map[string]float64, minNotional float64) Result {
	type bucket struct {
		inst    instrument.Instrument
		signed  float64
		gross   float64
		tags    map[string]bool
		urgency int
	}
	buckets := make(map[string]*bucket)
	order := make([]string, 0, len(intents))
	for _, in := range intents {
		sym := in.Instrument.Symbol
		b, ok := buckets[sym]
		if !ok {
			b = &bucket{inst: in.Instrument, tags: make(map[string]bool)}
			buckets[sym] = b
			order = append(order, sym)
		}
		b.signed += in.Signed()
		b.gross += in.Quantity
		b.tags[in.StrategyTag] = true
		if in.Urgency > b.urgency {
			b.urgency = in.Urgency
		}
	}

	var res Result
	for _, sym := range order {
		b := buckets[sym]
		netQty := math.Abs(b.signed)
		res.Benefit += b.gross - netQty
		if netQty == 0 {
			continue
		}
		if minNotional > 0 {
			if px, ok := prices[sym]; ok && px > 0 && netQty*px*b.inst.Multiplier < minNotional {
				logger.Debugf("netting: dropped below min notional symbol=%s qty=%.4f", sym, netQty)
				res.Dropped++
				continue
			}
		}
		side := instrument.Buy
		if b.signed < 0 {
			side = instrument.Sell
		}
		res.Intents = append(res.Intents, Intent{
			Instrument:  b.inst,
			Side:        side,
			Quantity:    netQty,
			StrategyTag: joinTags(b.tags),
			Urgency:     b.urgency,
		})
	}
	return res
}

// Prioritize orders net intents for submission: risk-reducing trades first,
// then sells before buys (frees margin), then more liquid instruments, then
// larger notional. current holds signed positions for the risk-reducing test.
func Prioritize(intents []Intent, current map[string]float64, prices map[string]float64) []Intent {
	out := append([]Intent(nil), intents...)
	sort.SliceStable(out, func(a, b int) bool {
		ia, ib := out[a], out[b]
		ra, rb := riskReducing(ia, current), riskReducing(ib, current)
		if ra != rb {
			return ra
		}
		if ia.Side != ib.Side {
			return ia.Side == instrument.Sell
		}
		if ia.Instrument.LiquidityTier != ib.Instrument.LiquidityTier {
			return ia.Instrument.LiquidityTier < ib.Instrument.LiquidityTier
		}
		return notional(ia, prices) > notional(ib, prices)
	})
	return out
}

// riskReducing is true for hedge instruments and for intents trading against
// the current position direction.
func riskReducing(in Intent, current map[string]float64) bool {
	if in.Instrument.Hedge {
		return true
	}
	pos := current[in.Instrument.Symbol]
	if pos == 0 {
		return false
	}
	return pos*in.Side.Sign() < 0
}

func notional(in Intent, prices map[string]float64) float64 {
	px := prices[in.Instrument.Symbol]
	return in.Quantity * px * in.Instrument.Multiplier
}

func joinTags(tags map[string]bool) string {
	keys := make([]string, 0, len(tags))
	for t := range tags {
		if t != "" {
			keys = append(keys, t)
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, "+")
}
