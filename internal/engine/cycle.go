package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"converge/internal/broker"
	"converge/internal/instrument"
	"converge/internal/ledger"
	"converge/internal/lifecycle"
	"converge/internal/logger"
	"converge/internal/market"
	"converge/internal/netting"
	"converge/internal/notify"
	"converge/internal/pairs"
	"converge/internal/policy"
	"converge/internal/reconcile"
	"converge/internal/risk"

	"golang.org/x/sync/errgroup"
)

// ErrGuardBlocked aborts a cycle whose reconciliation did not PASS.
var ErrGuardBlocked = errors.New("engine: reconciliation guard blocked trading")

// PairDef couples two symbols that must execute as a matched pair, with the
// instrument used for temporary hedging while one leg lags.
type PairDef struct {
	SymbolA     string
	SymbolB     string
	HedgeSymbol string
}

// Input is everything one cycle consumes from the outside: the strategy
// layer's targets and NAV, plus the risk observations for this period.
type Input struct {
	Date         string
	Targets      map[string]float64 // signed target quantities
	InternalNAV  float64
	Observations risk.Observations
	StrategyTag  string
}

// Summary is the per-cycle execution record published to telemetry.
type Summary struct {
	RunID          string
	Resumed        bool
	Regime         risk.Regime
	Scaling        float64
	Emergency      bool
	IntentsPlanned int
	IntentsSkipped int
	NettingBenefit float64
	Results        []lifecycle.Result
}

// Params is the orchestrator tuning.
type Params struct {
	MinNotional float64
	Pairs       []PairDef
}

// Cycle wires the full pipeline: guard, risk, translation, netting, policy,
// lifecycle and pair protection. One Run call is one orchestrated cycle.
type Cycle struct {
	params   Params
	universe map[string]instrument.Instrument
	session  *broker.Session
	store    *ledger.Store
	guard    *reconcile.Guard
	riskEng  *risk.Engine
	cache    *market.Cache
	pol      *policy.Engine
	manager  *lifecycle.Manager
	coord    *pairs.Coordinator
	sink     notify.Sink
	nowFn    func() time.Time
}

func NewCycle(
	params Params,
	universe map[string]instrument.Instrument,
	session *broker.Session,
	store *ledger.Store,
	guard *reconcile.Guard,
	riskEng *risk.Engine,
	cache *market.Cache,
	pol *policy.Engine,
	manager *lifecycle.Manager,
	coord *pairs.Coordinator,
	sink notify.Sink,
) *Cycle {
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Cycle{
		params:   params,
		universe: universe,
		session:  session,
		store:    store,
		guard:    guard,
		riskEng:  riskEng,
		cache:    cache,
		pol:      pol,
		manager:  manager,
		coord:    coord,
		sink:     sink,
		nowFn:    time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (c *Cycle) SetNowFunc(fn func() time.Time) {
	if c != nil && fn != nil {
		c.nowFn = fn
	}
}

// Run executes one full cycle. Per-instrument failures skip that instrument;
// guard and ledger failures abort the whole run. Aborts happen only at order
// boundaries and never unwind fills already received.
func (c *Cycle) Run(ctx context.Context, in Input) (Summary, error) {
	sum := Summary{}

	runID, resumed, err := c.store.BeginRun(in.Date, in.Targets)
	if err != nil {
		return sum, err
	}
	sum.RunID = runID
	sum.Resumed = resumed

	// Broker state is ground truth: replace, never merge, the position view.
	positions, err := c.session.Positions(ctx)
	if err != nil {
		return sum, c.abort(ctx, runID, nil, fmt.Errorf("engine: position refresh: %w", err))
	}
	current := make(map[string]float64, len(positions))
	for _, p := range positions {
		current[p.Symbol] = p.Quantity
	}

	brokerNAV, err := c.session.AccountNAV(ctx)
	if err != nil {
		return sum, c.abort(ctx, runID, nil, fmt.Errorf("engine: broker NAV: %w", err))
	}
	if status := c.guard.Reconcile(in.InternalNAV, brokerNAV); status != reconcile.Pass {
		return sum, c.abort(ctx, runID, nil, fmt.Errorf("%w: %s", ErrGuardBlocked, status))
	}

	decision := c.riskEng.Evaluate(in.Observations)
	sum.Regime = decision.Regime
	sum.Scaling = decision.Scaling
	sum.Emergency = decision.Emergency
	logger.Infof("engine: risk decision run=%s scaling=%.3f regime=%s emergency=%v", runID, decision.Scaling, decision.Regime, decision.Emergency)

	intents := netting.Translate(in.Targets, current, decision.Scaling, c.universe, in.StrategyTag)

	c.cache.Refresh(ctx, c.cycleSymbols(in.Targets))
	prices := c.referencePrices(in.Targets)

	netted := netting.Net(intents, prices, c.params.MinNotional)
	sum.NettingBenefit = netted.Benefit
	ordered := netting.Prioritize(netted.Intents, current, prices)
	sum.IntentsPlanned = len(ordered)

	if err := c.cancelOrphans(ctx, runID, ordered); err != nil {
		return sum, c.abort(ctx, runID, nil, err)
	}

	var tickets []*lifecycle.Ticket
	var collect resultCollector
	group, gctx := errgroup.WithContext(ctx)
	handledPairs := make(map[string]bool)

	for _, intent := range ordered {
		if pairDef, counterpart, ok := c.pairFor(intent, ordered); ok {
			key := pairDef.SymbolA + "/" + pairDef.SymbolB
			if handledPairs[key] {
				continue
			}
			handledPairs[key] = true
			legA, err := c.buildTicket(runID, intent)
			if err != nil {
				sum.IntentsSkipped++
				c.skip(intent, err)
				continue
			}
			legB, err := c.buildTicket(runID, counterpart)
			if err != nil {
				sum.IntentsSkipped++
				c.skip(counterpart, err)
				continue
			}
			hedge := c.universe[pairDef.HedgeSymbol]
			group.Go(func() error {
				results, err := c.coord.Execute(gctx, runID, pairs.Group{LegA: legA, LegB: legB, Hedge: hedge})
				if err != nil {
					logger.Errorf("engine: pair execution failed run=%s pair=%s err=%v", runID, key, err)
				}
				collect.add(results...)
				return c.runLevel(err)
			})
			continue
		}

		ticket, err := c.buildTicket(runID, intent)
		if err != nil {
			sum.IntentsSkipped++
			c.skip(intent, err)
			continue
		}
		// Submission happens here, in priority order; driving is concurrent.
		if err := c.manager.Submit(ctx, ticket); err != nil {
			if errors.Is(err, ledger.ErrUnavailable) {
				return sum, c.abort(ctx, runID, tickets, err)
			}
			if errors.Is(err, lifecycle.ErrDuplicate) {
				logger.Warnf("engine: duplicate intent refused run=%s intent=%s", runID, ticket.IntentID)
				sum.IntentsSkipped++
				continue
			}
			sum.IntentsSkipped++
			c.skip(intent, err)
			continue
		}
		tickets = append(tickets, ticket)
		t := ticket
		group.Go(func() error {
			res, err := c.manager.Drive(gctx, t)
			if err != nil {
				logger.Warnf("engine: drive ended run=%s intent=%s err=%v", runID, t.IntentID, err)
			}
			collect.add(res)
			return c.runLevel(err)
		})
	}

	waitErr := group.Wait()
	sum.Results = collect.take()
	if waitErr != nil {
		return sum, c.abort(ctx, runID, tickets, waitErr)
	}

	if err := c.store.MarkRunStatus(runID, ledger.StatusDone); err != nil {
		return sum, err
	}
	c.publishSummary(sum)
	return sum, nil
}

type resultCollector struct {
	mu      sync.Mutex
	results []lifecycle.Result
}

func (r *resultCollector) add(results ...lifecycle.Result) {
	r.mu.Lock()
	r.results = append(r.results, results...)
	r.mu.Unlock()
}

func (r *resultCollector) take() []lifecycle.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results
}

// runLevel passes through only errors that must abort the run; per-order
// failures were already handled where they occurred.
func (c *Cycle) runLevel(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Cycle) buildTicket(runID string, in netting.Intent) (*lifecycle.Ticket, error) {
	snap, err := c.cache.Get(in.Instrument.Symbol)
	if err != nil {
		return nil, err
	}
	plan, err := c.pol.Plan(in, snap, c.nowFn())
	if err != nil {
		return nil, err
	}
	intentID, err := c.store.RecordIntent(runID, ledger.IntentKey{
		Symbol:      in.Instrument.Symbol,
		Side:        string(in.Side),
		Quantity:    in.Quantity,
		StrategyTag: in.StrategyTag,
	})
	if err != nil {
		return nil, err
	}
	return lifecycle.NewTicket(intentID, plan), nil
}

// skip logs a per-instrument failure; healthy instruments keep trading.
func (c *Cycle) skip(in netting.Intent, err error) {
	switch {
	case errors.Is(err, market.ErrStaleData), errors.Is(err, market.ErrNoSnapshot):
		logger.Warnf("engine: stale market data, skipping symbol=%s err=%v", in.Instrument.Symbol, err)
	case errors.Is(err, policy.ErrAvoidWindow):
		logger.Infof("engine: avoid window, skipping symbol=%s", in.Instrument.Symbol)
	default:
		logger.Warnf("engine: skipping intent symbol=%s err=%v", in.Instrument.Symbol, err)
	}
}

// cancelOrphans clears broker-side open orders from earlier runs whose
// intents were not re-derived this cycle (e.g. after a crash, when fills
// shifted the delta). The position translator already accounts for their
// fills, so letting them rest would double-trade.
func (c *Cycle) cancelOrphans(ctx context.Context, runID string, intents []netting.Intent) error {
	open, err := c.session.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("engine: open order scan: %w", err)
	}
	live := make(map[string]bool, len(intents))
	for _, in := range intents {
		id := ledger.IntentID(runID, ledger.IntentKey{
			Symbol:      in.Instrument.Symbol,
			Side:        string(in.Side),
			Quantity:    in.Quantity,
			StrategyTag: in.StrategyTag,
		})
		live[id] = true
	}
	for _, o := range open {
		if !strings.HasPrefix(o.ClientOrderID, "cvg-") {
			continue // not ours
		}
		intentID := o.ClientOrderID
		if i := strings.LastIndex(o.ClientOrderID, "-"); i > len("cvg-") {
			intentID = o.ClientOrderID[:i]
		}
		if live[intentID] {
			continue
		}
		logger.Warnf("engine: cancelling orphaned order client=%s symbol=%s", o.ClientOrderID, o.Symbol)
		if err := c.session.CancelOrder(ctx, o.Symbol, o.ClientOrderID); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
			return fmt.Errorf("engine: orphan cancel: %w", err)
		}
	}
	return nil
}

// abort cancels open tickets at an order boundary and marks the run ABORTED.
// Partial fills already received are retained, never auto-unwound.
func (c *Cycle) abort(ctx context.Context, runID string, tickets []*lifecycle.Ticket, cause error) error {
	logger.Errorf("engine: aborting run=%s cause=%v", runID, cause)
	for _, t := range tickets {
		if t == nil || t.State.Terminal() {
			continue
		}
		if err := c.manager.Cancel(ctx, t); err != nil {
			logger.Errorf("engine: abort cancel failed intent=%s err=%v", t.IntentID, err)
		}
	}
	if err := c.store.MarkRunStatus(runID, ledger.StatusAborted); err != nil {
		logger.Errorf("engine: abort mark failed run=%s err=%v", runID, err)
	}
	return cause
}

func (c *Cycle) pairFor(in netting.Intent, all []netting.Intent) (PairDef, netting.Intent, bool) {
	for _, def := range c.params.Pairs {
		var otherSym string
		switch in.Instrument.Symbol {
		case def.SymbolA:
			otherSym = def.SymbolB
		case def.SymbolB:
			otherSym = def.SymbolA
		default:
			continue
		}
		for _, candidate := range all {
			if candidate.Instrument.Symbol == otherSym {
				return def, candidate, true
			}
		}
	}
	return PairDef{}, netting.Intent{}, false
}

func (c *Cycle) cycleSymbols(targets map[string]float64) []string {
	seen := make(map[string]bool, len(targets))
	var out []string
	add := func(sym string) {
		if sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for sym := range targets {
		add(sym)
	}
	for _, def := range c.params.Pairs {
		add(def.HedgeSymbol)
	}
	return out
}

func (c *Cycle) referencePrices(targets map[string]float64) map[string]float64 {
	prices := make(map[string]float64, len(targets))
	for sym := range targets {
		snap, err := c.cache.Get(sym)
		if err != nil {
			continue
		}
		prices[sym] = snap.Ref()
	}
	return prices
}

func (c *Cycle) publishSummary(sum Summary) {
	filled := 0
	for _, r := range sum.Results {
		if r.State == lifecycle.StateFilled {
			filled++
		}
	}
	c.sink.Publish(notify.Event{
		Kind: notify.KindCycleSummary,
		At:   c.nowFn(),
		Fields: map[string]any{
			"run_id":          sum.RunID,
			"regime":          string(sum.Regime),
			"scaling":         sum.Scaling,
			"emergency":       sum.Emergency,
			"intents":         sum.IntentsPlanned,
			"skipped":         sum.IntentsSkipped,
			"filled":          filled,
			"netting_benefit": sum.NettingBenefit,
		},
	})
}
