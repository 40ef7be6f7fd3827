package pairs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"converge/internal/broker"
	"converge/internal/instrument"
	"converge/internal/ledger"
	"converge/internal/lifecycle"
	"converge/internal/market"
	"converge/internal/netting"
	"converge/internal/notify"
	"converge/internal/policy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureSink) Publish(ev notify.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

type pairFixture struct {
	paper   *broker.Paper
	store   *ledger.Store
	pol     *policy.Engine
	cache   *market.Cache
	manager *lifecycle.Manager
	coord   *Coordinator
	sink    *captureSink
	runID   string
	now     time.Time

	es, nq, spy instrument.Instrument
}

// grace controls hedge arming: the fixture clock is frozen, so any positive
// grace period never elapses and transient skews are tolerated, while a zero
// grace arms the hedge on the first persistent gap.
func newPairFixture(t *testing.T, grace time.Duration) *pairFixture {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &pairFixture{
		paper: broker.NewPaper(),
		store: store,
		pol:   policy.NewEngine(policy.DefaultParams()),
		sink:  &captureSink{},
		now:   time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC),
		es:    instrument.NewFuture("ESZ6", 50, decimal.NewFromFloat(0.25), 1),
		nq:    instrument.NewFuture("NQZ6", 20, decimal.NewFromFloat(0.25), 1),
		spy:   instrument.NewStock("SPY", 1),
	}
	clock := func() time.Time { return f.now }

	session := broker.NewSession(f.paper, 0, 0)
	f.cache = market.NewCache(session, 30*time.Second)
	f.cache.SetNowFunc(clock)
	f.manager = lifecycle.NewManager(session, store, f.pol, f.sink, time.Millisecond)
	f.manager.SetNowFunc(clock)

	params := Params{SkewTrigger: 0.30, ConvergedSkew: 0.10, GracePeriod: grace, PollInterval: time.Millisecond}
	f.coord = NewCoordinator(params, f.manager, f.pol, f.cache, store, f.sink)
	f.coord.SetNowFunc(clock)

	f.paper.SetSnapshot("ESZ6", market.Snapshot{Symbol: "ESZ6", Bid: 4999.75, Ask: 5000.25, At: f.now})
	f.paper.SetSnapshot("NQZ6", market.Snapshot{Symbol: "NQZ6", Bid: 14999.75, Ask: 15000.25, At: f.now})
	f.paper.SetSnapshot("SPY", market.Snapshot{Symbol: "SPY", Bid: 99.75, Ask: 100.25, At: f.now})
	f.cache.Refresh(context.Background(), []string{"ESZ6", "NQZ6", "SPY"})

	f.runID, _, err = store.BeginRun("2026-08-28", map[string]float64{"ESZ6": 10, "NQZ6": 10})
	require.NoError(t, err)
	return f
}

func (f *pairFixture) leg(t *testing.T, inst instrument.Instrument, qty float64) *lifecycle.Ticket {
	t.Helper()
	in := netting.Intent{Instrument: inst, Side: instrument.Buy, Quantity: qty, StrategyTag: "pair"}
	snap, err := f.cache.Get(inst.Symbol)
	require.NoError(t, err)
	plan, err := f.pol.Plan(in, snap, f.now)
	require.NoError(t, err)
	id, err := f.store.RecordIntent(f.runID, ledger.IntentKey{
		Symbol: inst.Symbol, Side: string(in.Side), Quantity: qty, StrategyTag: in.StrategyTag,
	})
	require.NoError(t, err)
	return lifecycle.NewTicket(id, plan)
}

func TestExecuteBothLegsFillCleanlyWithoutHedge(t *testing.T) {
	f := newPairFixture(t, 15*time.Second)
	f.paper.SetBehavior("ESZ6", broker.Behavior{FillPerPoll: 0.5})
	f.paper.SetBehavior("NQZ6", broker.Behavior{FillPerPoll: 0.5})

	g := Group{LegA: f.leg(t, f.es, 10), LegB: f.leg(t, f.nq, 10), Hedge: f.spy}
	results, err := f.coord.Execute(context.Background(), f.runID, g)
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, lifecycle.StateFilled, r.State)
	}
	assert.False(t, f.sink.has(notify.KindLeggingHedge), "balanced fills must not hedge")
	assert.Equal(t, 2, f.paper.SubmitCount())
}

func TestExecuteSkewDeploysHedgeAndRepricesLaggard(t *testing.T) {
	f := newPairFixture(t, 0)
	// ES fills at once, NQ crawls: a persistent one-sided fill.
	f.paper.SetBehavior("ESZ6", broker.Behavior{FillPerPoll: 1})
	f.paper.SetBehavior("NQZ6", broker.Behavior{FillPerPoll: 0.02})
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})

	legB := f.leg(t, f.nq, 10)
	g := Group{LegA: f.leg(t, f.es, 10), LegB: legB, Hedge: f.spy}
	results, err := f.coord.Execute(context.Background(), f.runID, g)
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, lifecycle.StateFilled, r.State)
	}
	assert.True(t, f.sink.has(notify.KindLeggingHedge))
	assert.GreaterOrEqual(t, legB.Attempts, 1, "laggard should have been repriced")

	// two legs, one hedge, one unwind
	assert.Equal(t, 4, f.paper.SubmitCount())

	open, err := f.paper.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "no resting orders may survive the pair")
}

func TestExecuteHedgeSizingOffsetsLeaderExposure(t *testing.T) {
	f := newPairFixture(t, 0)
	f.paper.SetBehavior("ESZ6", broker.Behavior{FillPerPoll: 1, FillPrice: 5000})
	f.paper.SetBehavior("NQZ6", broker.Behavior{FillPerPoll: 0.02})
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})

	g := Group{LegA: f.leg(t, f.es, 10), LegB: f.leg(t, f.nq, 10), Hedge: f.spy}
	_, err := f.coord.Execute(context.Background(), f.runID, g)
	require.NoError(t, err)

	intents, err := f.store.OpenIntents(f.runID)
	require.NoError(t, err)
	assert.Empty(t, intents, "every intent including the hedge must be terminal")

	// leader exposure 10 * 5000 * 50 = 2.5M; SPY ref 100 -> 25000 shares sold.
	runs := f.sink
	require.True(t, runs.has(notify.KindLeggingHedge))
	runs.mu.Lock()
	defer runs.mu.Unlock()
	for _, ev := range runs.events {
		if ev.Kind == notify.KindLeggingHedge {
			assert.InDelta(t, 2_500_000, ev.Fields["exposure"].(float64), 1e-6)
		}
	}
}
