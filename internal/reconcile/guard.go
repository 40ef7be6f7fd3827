package reconcile

import (
	"math"
	"sync"
	"time"

	"converge/internal/broker"
	"converge/internal/instrument"
	"converge/internal/logger"
	"converge/internal/notify"
)

// Status gates every downstream component. Only PASS permits trading.
type Status string

const (
	Pass      Status = "PASS"
	Halt      Status = "HALT"
	Emergency Status = "EMERGENCY"
)

// Guard compares the internally computed NAV against the broker's figure.
// HALT above the halt threshold, EMERGENCY above the emergency threshold.
// Downstream components assert CanTrade before any submission; calling in
// without a PASS is a programming error, not a recoverable condition.
type Guard struct {
	haltThreshold      float64
	emergencyThreshold float64
	sink               notify.Sink

	nowFn func() time.Time

	mu   sync.Mutex
	last Status
}

func NewGuard(haltThreshold, emergencyThreshold float64, sink notify.Sink) *Guard {
	if haltThreshold <= 0 {
		haltThreshold = 0.005
	}
	if emergencyThreshold <= haltThreshold {
		emergencyThreshold = 0.01
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Guard{
		haltThreshold:      haltThreshold,
		emergencyThreshold: emergencyThreshold,
		sink:               sink,
		nowFn:              time.Now,
		last:               Halt, // no reconciliation yet: not tradeable
	}
}

// SetNowFunc injects a clock for tests.
func (g *Guard) SetNowFunc(fn func() time.Time) {
	if g != nil && fn != nil {
		g.nowFn = fn
	}
}

// Reconcile evaluates the relative NAV difference and records the result.
func (g *Guard) Reconcile(internalNAV, brokerNAV float64) Status {
	if g == nil {
		return Halt
	}
	status := Pass
	diff := relDiff(internalNAV, brokerNAV)
	switch {
	case brokerNAV <= 0:
		status = Emergency
	case diff > g.emergencyThreshold:
		status = Emergency
	case diff > g.haltThreshold:
		status = Halt
	}
	g.mu.Lock()
	g.last = status
	g.mu.Unlock()
	if status != Pass {
		logger.Errorf("reconcile: %s internal_nav=%.2f broker_nav=%.2f rel_diff=%.4f%%",
			status, internalNAV, brokerNAV, diff*100)
		g.sink.Publish(notify.Event{
			Kind: notify.KindReconcileFail,
			At:   g.nowFn(),
			Fields: map[string]any{
				"status":       string(status),
				"internal_nav": internalNAV,
				"broker_nav":   brokerNAV,
				"rel_diff":     diff,
			},
		})
	}
	return status
}

// CanTrade is true only under the most recent PASS.
func (g *Guard) CanTrade() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last == Pass
}

// Last returns the most recent reconciliation status.
func (g *Guard) Last() Status {
	if g == nil {
		return Halt
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(b)
}

// InternalNAV values the account from cash plus positions. Leveraged classes
// (futures, FX futures) contribute unrealized P&L only; adding their notional
// is a correctness bug, not a tuning choice. multiplier resolves the contract
// multiplier when the broker did not report unrealized P&L directly; a nil
// lookup assumes 1.
func InternalNAV(cash float64, positions []broker.Position, multiplier func(symbol string) float64) float64 {
	nav := cash
	for _, p := range positions {
		switch p.Class {
		case instrument.ClassFuture, instrument.ClassFXFuture:
			if p.UnrealizedPL != 0 {
				nav += p.UnrealizedPL
				continue
			}
			mult := 1.0
			if multiplier != nil {
				if m := multiplier(p.Symbol); m > 0 {
					mult = m
				}
			}
			nav += (p.MarkPrice - p.AvgCost) * p.Quantity * mult
		default:
			nav += p.MarkPrice * p.Quantity
		}
	}
	return nav
}
