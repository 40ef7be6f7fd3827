package policy

import (
	"errors"
	"fmt"
	"time"

	"converge/internal/instrument"
	"converge/internal/logger"
	"converge/internal/market"
	"converge/internal/netting"

	"github.com/shopspring/decimal"
)

// ErrAvoidWindow suppresses plans inside configured windows around session
// open and close.
var ErrAvoidWindow = errors.New("policy: inside avoid window")

// ErrNoPrice means the snapshot carried no usable reference price at all.
var ErrNoPrice = errors.New("policy: no reference price")

// Plan is one concrete executable order: always a limit order with a hard
// collar the price may never cross, however often it is replaced.
type Plan struct {
	Intent   netting.Intent
	Limit    decimal.Decimal
	Floor    decimal.Decimal
	Ceiling  decimal.Decimal
	Ref      decimal.Decimal
	TTL      time.Duration
	Replace  time.Duration
	MaxRepl  int
	Created  time.Time
	HasQuote bool
}

// AggressiveBound is the collar bound repricing walks toward: the ceiling for
// buys, the floor for sells.
func (p Plan) AggressiveBound() decimal.Decimal {
	if p.Intent.Side == instrument.Buy {
		return p.Ceiling
	}
	return p.Floor
}

// InCollar reports whether a price lies inside [floor, ceiling] inclusive.
func (p Plan) InCollar(px decimal.Decimal) bool {
	return px.Cmp(p.Floor) >= 0 && px.Cmp(p.Ceiling) <= 0
}

// Params carries the policy tuning.
type Params struct {
	Slippage        instrument.SlippageTable
	MaxSnapshotAge  time.Duration
	TTL             time.Duration
	ReplaceInterval time.Duration
	MaxReplace      int
	AvoidWindows    []Window
}

func DefaultParams() Params {
	return Params{
		Slippage:        instrument.DefaultSlippage(),
		MaxSnapshotAge:  30 * time.Second,
		TTL:             5 * time.Minute,
		ReplaceInterval: 45 * time.Second,
		MaxReplace:      4,
	}
}

// Engine converts net intents plus market snapshots into order plans. It is
// stateless apart from its parameters.
type Engine struct {
	params Params
}

func NewEngine(params Params) *Engine {
	if params.MaxSnapshotAge <= 0 {
		params.MaxSnapshotAge = 30 * time.Second
	}
	if params.TTL <= 0 {
		params.TTL = 5 * time.Minute
	}
	if params.ReplaceInterval <= 0 {
		params.ReplaceInterval = 45 * time.Second
	}
	if params.MaxReplace <= 0 {
		params.MaxReplace = 4
	}
	return &Engine{params: params}
}

var quarter = decimal.NewFromFloat(0.25)

// Plan builds the order plan for one intent. Stale snapshots return
// market.ErrStaleData so the caller skips the instrument, not the run.
func (e *Engine) Plan(in netting.Intent, snap market.Snapshot, now time.Time) (Plan, error) {
	if e == nil {
		return Plan{}, fmt.Errorf("policy: nil engine")
	}
	if snap.Stale(e.params.MaxSnapshotAge, now) {
		return Plan{}, fmt.Errorf("%w: %s age %s", market.ErrStaleData, in.Instrument.Symbol, now.Sub(snap.At))
	}
	if w, inside := e.inAvoidWindow(now); inside {
		return Plan{}, fmt.Errorf("%w: %s (%s)", ErrAvoidWindow, in.Instrument.Symbol, w)
	}
	refF := snap.Ref()
	if refF <= 0 {
		return Plan{}, fmt.Errorf("%w: %s", ErrNoPrice, in.Instrument.Symbol)
	}
	ref := decimal.NewFromFloat(refF)

	class := in.Instrument.Class
	slip := e.params.Slippage.MaxSlipFor(class)
	if !snap.HasQuotes() {
		// Quote-less instruments get worse pricing guarantees, never better.
		slip = e.params.Slippage.QuotelessSlipFor(class)
	}
	slipDec := decimal.NewFromFloat(slip)
	ceiling := ref.Mul(decimal.NewFromInt(1).Add(slipDec))
	floor := ref.Mul(decimal.NewFromInt(1).Sub(slipDec))

	var limit decimal.Decimal
	if snap.HasQuotes() {
		spread := decimal.NewFromFloat(snap.Spread())
		if in.Side == instrument.Buy {
			cross := decimal.NewFromFloat(snap.Ask).Add(spread.Mul(quarter))
			limit = decimal.Min(cross, ceiling)
		} else {
			cross := decimal.NewFromFloat(snap.Bid).Sub(spread.Mul(quarter))
			limit = decimal.Max(cross, floor)
		}
	} else {
		if in.Side == instrument.Buy {
			limit = ceiling
		} else {
			limit = floor
		}
	}

	plan := Plan{
		Intent:   in,
		Floor:    floor,
		Ceiling:  ceiling,
		Ref:      ref,
		TTL:      e.params.TTL,
		Replace:  e.params.ReplaceInterval,
		MaxRepl:  e.params.MaxReplace,
		Created:  now,
		HasQuote: snap.HasQuotes(),
	}
	plan.Limit = e.confine(plan, in.Instrument.RoundToTick(limit, in.Side))
	return plan, nil
}

// Reprice computes the next, strictly more aggressive limit price for a
// replace, stepping toward the collar bound and never past it. The remaining
// distance is split over the replace attempts still available so the final
// attempt sits on the bound itself.
func (e *Engine) Reprice(p Plan, current decimal.Decimal, attempt int) decimal.Decimal {
	bound := p.AggressiveBound()
	remaining := p.MaxRepl - attempt + 1
	if remaining < 1 {
		remaining = 1
	}
	dist := bound.Sub(current).Div(decimal.NewFromInt(int64(remaining)))
	next := current.Add(dist)
	tick := p.Intent.Instrument.TickSize
	if p.Intent.Side == instrument.Buy {
		if minStep := current.Add(tick); next.Cmp(minStep) < 0 {
			next = minStep
		}
	} else {
		if minStep := current.Sub(tick); next.Cmp(minStep) > 0 {
			next = minStep
		}
	}
	next = p.Intent.Instrument.RoundToTick(next, p.Intent.Side)
	return e.confine(p, next)
}

// confine clamps a price into the collar. A violation is clamped and logged,
// never submitted outside the collar.
func (e *Engine) confine(p Plan, px decimal.Decimal) decimal.Decimal {
	if p.InCollar(px) {
		return px
	}
	clamped := px
	if px.Cmp(p.Ceiling) > 0 {
		clamped = p.Ceiling
	} else if px.Cmp(p.Floor) < 0 {
		clamped = p.Floor
	}
	logger.Warnf("policy: collar clamp symbol=%s side=%s px=%s -> %s collar=[%s,%s]",
		p.Intent.Instrument.Symbol, p.Intent.Side, px, clamped, p.Floor, p.Ceiling)
	return clamped
}

func (e *Engine) inAvoidWindow(now time.Time) (Window, bool) {
	for _, w := range e.params.AvoidWindows {
		if w.Contains(now) {
			return w, true
		}
	}
	return Window{}, false
}
