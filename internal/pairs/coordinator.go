package pairs

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"converge/internal/instrument"
	"converge/internal/ledger"
	"converge/internal/lifecycle"
	"converge/internal/logger"
	"converge/internal/market"
	"converge/internal/netting"
	"converge/internal/notify"
	"converge/internal/policy"

	"golang.org/x/sync/errgroup"
)

// Params tunes the legging protection.
type Params struct {
	// SkewTrigger is the fill-ratio gap between legs that arms the hedge,
	// e.g. 0.30 for "one leg 30% filled while the other sits at 0".
	SkewTrigger float64
	// ConvergedSkew is the gap below which the legs count as comparably
	// filled and the temporary hedge unwinds.
	ConvergedSkew float64
	GracePeriod   time.Duration
	PollInterval  time.Duration
}

func DefaultParams() Params {
	return Params{
		SkewTrigger:   0.30,
		ConvergedSkew: 0.10,
		GracePeriod:   15 * time.Second,
		PollInterval:  2 * time.Second,
	}
}

// Group couples two tickets that must execute as a matched pair, plus the
// instrument used for the temporary offsetting hedge while one leg lags.
type Group struct {
	LegA  *lifecycle.Ticket
	LegB  *lifecycle.Ticket
	Hedge instrument.Instrument
}

// progress mirrors leg fill state out of the lifecycle manager via OnFill
// callbacks, so the monitor never touches tickets the manager owns.
type progress struct {
	mu       sync.Mutex
	ratio    map[string]float64
	exposure map[string]float64 // filled qty * avg price * multiplier, signed
	done     map[string]bool
}

func newProgress() *progress {
	return &progress{
		ratio:    make(map[string]float64),
		exposure: make(map[string]float64),
		done:     make(map[string]bool),
	}
}

func (p *progress) record(id string, ratio, exposure float64) {
	p.mu.Lock()
	p.ratio[id] = ratio
	p.exposure[id] = exposure
	p.mu.Unlock()
}

func (p *progress) finish(id string) {
	p.mu.Lock()
	p.done[id] = true
	p.mu.Unlock()
}

// skew returns (gap, leader id, leader exposure).
func (p *progress) skew(aID, bID string) (float64, string, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ra, rb := p.ratio[aID], p.ratio[bID]
	if ra >= rb {
		return ra - rb, aID, p.exposure[aID]
	}
	return rb - ra, bID, p.exposure[bID]
}

func (p *progress) allDone(ids ...string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if !p.done[id] {
			return false
		}
	}
	return true
}

// Coordinator executes matched pairs with legging protection: both legs
// submit together, fill skew is watched each poll, and a one-sided fill past
// the grace period deploys a temporary hedge and reprices the laggard.
type Coordinator struct {
	params  Params
	manager *lifecycle.Manager
	pol     *policy.Engine
	cache   *market.Cache
	store   *ledger.Store
	sink    notify.Sink
	nowFn   func() time.Time
}

func NewCoordinator(params Params, manager *lifecycle.Manager, pol *policy.Engine, cache *market.Cache, store *ledger.Store, sink notify.Sink) *Coordinator {
	if params.SkewTrigger <= 0 {
		params.SkewTrigger = 0.30
	}
	if params.ConvergedSkew <= 0 || params.ConvergedSkew >= params.SkewTrigger {
		params.ConvergedSkew = params.SkewTrigger / 3
	}
	if params.PollInterval <= 0 {
		params.PollInterval = 2 * time.Second
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Coordinator{
		params:  params,
		manager: manager,
		pol:     pol,
		cache:   cache,
		store:   store,
		sink:    sink,
		nowFn:   time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (c *Coordinator) SetNowFunc(fn func() time.Time) {
	if c != nil && fn != nil {
		c.nowFn = fn
	}
}

// Execute runs one pair to completion. The group dissolves when both legs are
// terminal; any temporary hedge is unwound before returning.
func (c *Coordinator) Execute(ctx context.Context, runID string, g Group) ([]lifecycle.Result, error) {
	if c == nil || g.LegA == nil || g.LegB == nil {
		return nil, fmt.Errorf("pairs: incomplete group")
	}
	prog := newProgress()
	c.instrumentLeg(g.LegA, prog)
	c.instrumentLeg(g.LegB, prog)

	// Both legs submit together; the broker session serializes the wire.
	subGroup, subCtx := errgroup.WithContext(ctx)
	subGroup.Go(func() error { return c.manager.Submit(subCtx, g.LegA) })
	subGroup.Go(func() error { return c.manager.Submit(subCtx, g.LegB) })
	if err := subGroup.Wait(); err != nil {
		return nil, fmt.Errorf("pairs: leg submission: %w", err)
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	var hedge *lifecycle.Ticket
	var hedgeMu sync.Mutex

	results := make([]lifecycle.Result, 0, 2)
	var resMu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	for _, leg := range []*lifecycle.Ticket{g.LegA, g.LegB} {
		leg := leg
		group.Go(func() error {
			res, err := c.manager.Drive(gctx, leg)
			prog.finish(leg.IntentID)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return err
		})
	}

	group.Go(func() error {
		c.monitor(monitorCtx, runID, g, prog, &hedgeMu, &hedge)
		return nil
	})

	err := group.Wait()
	stopMonitor()

	hedgeMu.Lock()
	h := hedge
	hedgeMu.Unlock()
	if h != nil {
		if uerr := c.unwindHedge(ctx, runID, h); uerr != nil {
			logger.Errorf("pairs: hedge unwind failed run=%s err=%v", runID, uerr)
		}
	}
	return results, err
}

// instrumentLeg mirrors fill progress into the shared progress table.
func (c *Coordinator) instrumentLeg(t *lifecycle.Ticket, prog *progress) {
	mult := t.Plan.Intent.Instrument.Multiplier
	userFill := t.OnFill
	t.OnFill = func(tk *lifecycle.Ticket) {
		prog.record(tk.IntentID, tk.FillRatio(), tk.FilledQty*tk.AvgFillPrice*mult*tk.Plan.Intent.Side.Sign())
		if userFill != nil {
			userFill(tk)
		}
	}
}

// monitor watches fill skew and deploys the hedge plus laggard reprice once
// the trigger holds past the grace period.
func (c *Coordinator) monitor(ctx context.Context, runID string, g Group, prog *progress, hedgeMu *sync.Mutex, hedge **lifecycle.Ticket) {
	ticker := time.NewTicker(c.params.PollInterval)
	defer ticker.Stop()
	var skewSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if prog.allDone(g.LegA.IntentID, g.LegB.IntentID) {
			return
		}
		gap, leaderID, leaderExposure := prog.skew(g.LegA.IntentID, g.LegB.IntentID)
		hedgeMu.Lock()
		deployed := *hedge != nil
		hedgeMu.Unlock()

		if gap < c.params.SkewTrigger {
			skewSince = time.Time{}
			continue
		}
		now := c.nowFn()
		if skewSince.IsZero() {
			skewSince = now
			continue
		}
		if now.Sub(skewSince) < c.params.GracePeriod || deployed {
			continue
		}

		laggard := g.LegA
		if leaderID == g.LegA.IntentID {
			laggard = g.LegB
		}
		logger.Warnf("pairs: fill skew run=%s gap=%.2f leader=%s, deploying hedge", runID, gap, leaderID)
		h, err := c.deployHedge(ctx, runID, g.Hedge, leaderExposure)
		if err != nil {
			logger.Errorf("pairs: hedge deploy failed run=%s err=%v", runID, err)
		} else {
			hedgeMu.Lock()
			*hedge = h
			hedgeMu.Unlock()
			c.sink.Publish(notify.Event{
				Kind: notify.KindLeggingHedge,
				At:   now,
				Fields: map[string]any{
					"run_id":   runID,
					"gap":      gap,
					"exposure": leaderExposure,
					"hedge":    g.Hedge.Symbol,
				},
			})
		}
		if err := c.manager.Reprice(ctx, laggard); err != nil {
			logger.Warnf("pairs: laggard reprice failed run=%s intent=%s err=%v", runID, laggard.IntentID, err)
		}
	}
}

// deployHedge opens a temporary offsetting position sized to the filled
// leg's exposure.
func (c *Coordinator) deployHedge(ctx context.Context, runID string, hedgeInst instrument.Instrument, exposure float64) (*lifecycle.Ticket, error) {
	if hedgeInst.Symbol == "" {
		return nil, fmt.Errorf("pairs: no hedge instrument configured")
	}
	snap, err := c.cache.Get(hedgeInst.Symbol)
	if err != nil {
		return nil, fmt.Errorf("pairs: hedge snapshot: %w", err)
	}
	px := snap.Ref()
	if px <= 0 {
		return nil, fmt.Errorf("pairs: hedge has no reference price")
	}
	qty := math.Abs(exposure) / (px * hedgeInst.Multiplier)
	if qty <= 0 {
		return nil, fmt.Errorf("pairs: zero hedge quantity")
	}
	side := instrument.Sell // offset long exposure by selling the hedge
	if exposure < 0 {
		side = instrument.Buy
	}
	intent := netting.Intent{
		Instrument:  hedgeInst,
		Side:        side,
		Quantity:    qty,
		StrategyTag: "pair-hedge",
		Urgency:     1,
	}
	return c.submitIntent(ctx, runID, intent)
}

// unwindHedge closes whatever the temporary hedge actually filled.
func (c *Coordinator) unwindHedge(ctx context.Context, runID string, h *lifecycle.Ticket) error {
	if _, err := c.manager.SyncOnce(ctx, h); err != nil {
		logger.Warnf("pairs: hedge sync before unwind failed err=%v", err)
	}
	if !h.State.Terminal() {
		if err := c.manager.Cancel(ctx, h); err != nil {
			return err
		}
	}
	if h.FilledQty <= 0 {
		return nil
	}
	intent := netting.Intent{
		Instrument:  h.Plan.Intent.Instrument,
		Side:        h.Plan.Intent.Side.Opposite(),
		Quantity:    h.FilledQty,
		StrategyTag: "pair-hedge-unwind",
		Urgency:     1,
	}
	ticket, err := c.submitIntent(ctx, runID, intent)
	if err != nil {
		return err
	}
	_, err = c.manager.Drive(ctx, ticket)
	return err
}

func (c *Coordinator) submitIntent(ctx context.Context, runID string, in netting.Intent) (*lifecycle.Ticket, error) {
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
	ticket := lifecycle.NewTicket(intentID, plan)
	if err := c.manager.Submit(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}
