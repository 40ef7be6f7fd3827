package engine

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
	"converge/internal/notify"
	"converge/internal/pairs"
	"converge/internal/policy"
	"converge/internal/reconcile"
	"converge/internal/risk"

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

type cycleFixture struct {
	paper *broker.Paper
	store *ledger.Store
	sink  *captureSink
	cycle *Cycle
	now   time.Time
}

// newCycleFixture assembles the full pipeline over the paper transport with a
// frozen clock. Quote prices are chosen to be exact in binary so limit-price
// assertions stay stable.
func newCycleFixture(t *testing.T, pairDefs []PairDef) *cycleFixture {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &cycleFixture{
		paper: broker.NewPaper(),
		store: store,
		sink:  &captureSink{},
		now:   time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.paper.SetNowFunc(clock)
	f.paper.SetNAV(1_000_000)
	f.paper.SetSnapshot("SPY", market.Snapshot{Symbol: "SPY", Bid: 99.75, Ask: 100.25, At: f.now})
	f.paper.SetSnapshot("ESZ6", market.Snapshot{Symbol: "ESZ6", Bid: 4999.75, Ask: 5000.25, At: f.now})
	f.paper.SetSnapshot("NQZ6", market.Snapshot{Symbol: "NQZ6", Bid: 14999.75, Ask: 15000.25, At: f.now})

	tick := decimal.RequireFromString("0.25")
	universe := map[string]instrument.Instrument{
		"SPY":  instrument.NewStock("SPY", 1),
		"XYZ":  instrument.NewStock("XYZ", 3),
		"ESZ6": instrument.NewFuture("ESZ6", 50, tick, 1),
		"NQZ6": instrument.NewFuture("NQZ6", 20, tick, 1),
	}

	session := broker.NewSession(f.paper, 0, 0)
	guard := reconcile.NewGuard(0.005, 0.01, f.sink)
	riskEng := risk.NewEngine(risk.DefaultParams(), f.sink)
	cache := market.NewCache(session, 30*time.Second)
	cache.SetNowFunc(clock)
	pol := policy.NewEngine(policy.DefaultParams())
	manager := lifecycle.NewManager(session, store, pol, f.sink, time.Millisecond)
	manager.SetNowFunc(clock)
	coordParams := pairs.Params{SkewTrigger: 0.30, ConvergedSkew: 0.10, GracePeriod: 15 * time.Second, PollInterval: time.Millisecond}
	coord := pairs.NewCoordinator(coordParams, manager, pol, cache, store, f.sink)

	f.cycle = NewCycle(Params{Pairs: pairDefs}, universe, session, store, guard, riskEng, cache, pol, manager, coord, f.sink)
	f.cycle.SetNowFunc(clock)
	return f
}

func baseInput() Input {
	return Input{
		Date:        "2026-08-28",
		Targets:     map[string]float64{"SPY": 2000},
		InternalNAV: 1_000_000,
		Observations: risk.Observations{
			Return:   0.001,
			NAV:      1_000_000,
			VolIndex: 18,
			Drawdown: 0.02,
		},
		StrategyTag: "carry",
	}
}

func TestRunBurnInScalingTradesTheDelta(t *testing.T) {
	f := newCycleFixture(t, nil)
	f.paper.SetPositions([]broker.Position{{Symbol: "SPY", Class: instrument.ClassStock, Quantity: 1500}})
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})

	sum, err := f.cycle.Run(context.Background(), baseInput())
	require.NoError(t, err)

	// One observation is deep in burn-in: prior vol 0.15 against a 0.12
	// target gives 0.8, so the 2000 target shrinks to 1600 and the delta
	// against the held 1500 is a 100 share buy.
	assert.InDelta(t, 0.8, sum.Scaling, 1e-9)
	assert.Equal(t, risk.RegimeNormal, sum.Regime)
	assert.False(t, sum.Emergency)
	assert.Equal(t, 1, sum.IntentsPlanned)
	assert.Equal(t, 0, sum.IntentsSkipped)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, lifecycle.StateFilled, sum.Results[0].State)
	assert.InDelta(t, 100, sum.Results[0].FilledQty, 1e-9)
	assert.True(t, f.sink.has(notify.KindCycleSummary))

	run, err := f.store.Run(sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDone, run.Status)
}

func TestRunGuardMismatchAbortsBeforeAnyOrder(t *testing.T) {
	f := newCycleFixture(t, nil)
	f.paper.SetPositions(nil)
	f.paper.SetNAV(980_000) // 2% off book, past the emergency threshold

	sum, err := f.cycle.Run(context.Background(), baseInput())
	require.ErrorIs(t, err, ErrGuardBlocked)
	assert.Equal(t, 0, f.paper.SubmitCount())

	run, lerr := f.store.Run(sum.RunID)
	require.NoError(t, lerr)
	assert.Equal(t, ledger.StatusAborted, run.Status)

	// Once NAV agrees again the same day trades under a fresh run id.
	f.paper.SetNAV(1_000_000)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})
	sum2, err := f.cycle.Run(context.Background(), baseInput())
	require.NoError(t, err)
	assert.NotEqual(t, sum.RunID, sum2.RunID)
	require.Len(t, sum2.Results, 1)
	assert.Equal(t, lifecycle.StateFilled, sum2.Results[0].State)
}

func TestRunCompletedRunIsNotRepeated(t *testing.T) {
	f := newCycleFixture(t, nil)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})

	_, err := f.cycle.Run(context.Background(), baseInput())
	require.NoError(t, err)
	submitted := f.paper.SubmitCount()

	_, err = f.cycle.Run(context.Background(), baseInput())
	require.ErrorIs(t, err, ledger.ErrDuplicate)
	assert.Equal(t, submitted, f.paper.SubmitCount())
}

func TestRunMissingSnapshotSkipsOnlyThatInstrument(t *testing.T) {
	f := newCycleFixture(t, nil)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})

	in := baseInput()
	in.Targets = map[string]float64{"SPY": 2000, "XYZ": 500} // XYZ never quotes

	sum, err := f.cycle.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.IntentsPlanned)
	assert.Equal(t, 1, sum.IntentsSkipped)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, "SPY", sum.Results[0].Symbol)
	assert.Equal(t, lifecycle.StateFilled, sum.Results[0].State)

	run, err := f.store.Run(sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDone, run.Status)
}

func TestRunCancelsOrphanedOrdersFromEarlierRuns(t *testing.T) {
	f := newCycleFixture(t, nil)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})

	orphanID := "cvg-aaaaaaaaaaaaaaaaaaaa-deadbeef"
	_, err := f.paper.SubmitOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: orphanID,
		Symbol:        "SPY",
		Class:         instrument.ClassStock,
		Side:          instrument.Buy,
		Quantity:      10,
		LimitPrice:    decimal.RequireFromString("99.00"),
	})
	require.NoError(t, err)
	foreignID := "ext-000001"
	_, err = f.paper.SubmitOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: foreignID,
		Symbol:        "SPY",
		Class:         instrument.ClassStock,
		Side:          instrument.Sell,
		Quantity:      5,
		LimitPrice:    decimal.RequireFromString("105.00"),
	})
	require.NoError(t, err)

	_, err = f.cycle.Run(context.Background(), baseInput())
	require.NoError(t, err)

	open, err := f.paper.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, foreignID, open[0].ClientOrderID)
}

func TestRunExecutesCoupledLegsTogether(t *testing.T) {
	defs := []PairDef{{SymbolA: "ESZ6", SymbolB: "NQZ6", HedgeSymbol: "SPY"}}
	f := newCycleFixture(t, defs)
	f.paper.SetBehavior("ESZ6", broker.Behavior{FillPerPoll: 1})
	f.paper.SetBehavior("NQZ6", broker.Behavior{FillPerPoll: 1})

	in := baseInput()
	in.Targets = map[string]float64{"ESZ6": 10, "NQZ6": -10}

	sum, err := f.cycle.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.IntentsPlanned)
	require.Len(t, sum.Results, 2)
	for _, r := range sum.Results {
		assert.Equal(t, lifecycle.StateFilled, r.State)
		assert.InDelta(t, 8, r.FilledQty, 1e-9)
	}
	assert.Equal(t, 2, f.paper.SubmitCount())
	assert.False(t, f.sink.has(notify.KindLeggingHedge))
}
