package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"converge/internal/broker"
	"converge/internal/instrument"
	"converge/internal/ledger"
	"converge/internal/market"
	"converge/internal/netting"
	"converge/internal/notify"
	"converge/internal/policy"

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

func (c *captureSink) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	paper   *broker.Paper
	store   *ledger.Store
	pol     *policy.Engine
	manager *Manager
	sink    *captureSink
	runID   string
	now     time.Time
	clock   func() time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		paper: broker.NewPaper(),
		store: store,
		pol:   policy.NewEngine(policy.DefaultParams()),
		sink:  &captureSink{},
		now:   time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC),
	}
	f.clock = func() time.Time { return f.now }
	f.manager = NewManager(broker.NewSession(f.paper, 0, 0), store, f.pol, f.sink, time.Millisecond)
	f.manager.SetNowFunc(f.clock)

	f.runID, _, err = store.BeginRun("2026-08-28", map[string]float64{"SPY": 100})
	require.NoError(t, err)
	return f
}

func (f *fixture) ticket(t *testing.T, qty float64) *Ticket {
	t.Helper()
	in := netting.Intent{Instrument: instrument.NewStock("SPY", 1), Side: instrument.Buy, Quantity: qty}
	snap := market.Snapshot{Symbol: "SPY", Bid: 99.75, Ask: 100.25, At: f.now}
	plan, err := f.pol.Plan(in, snap, f.now)
	require.NoError(t, err)
	id, err := f.store.RecordIntent(f.runID, ledger.IntentKey{Symbol: "SPY", Side: "BUY", Quantity: qty})
	require.NoError(t, err)
	return NewTicket(id, plan)
}

func TestSubmitAndDriveToFill(t *testing.T) {
	f := newFixture(t)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 0.5})

	tk := f.ticket(t, 100)
	var fills []float64
	tk.OnFill = func(t *Ticket) { fills = append(fills, t.FilledQty) }
	var done int
	tk.OnDone = func(Result) { done++ }

	require.NoError(t, f.manager.Submit(context.Background(), tk))
	assert.Equal(t, StateSubmitted, tk.State)

	res, err := f.manager.Drive(context.Background(), tk)
	require.NoError(t, err)

	assert.Equal(t, StateFilled, res.State)
	assert.InDelta(t, 100, res.FilledQty, 1e-9)
	assert.Equal(t, []float64{50, 100}, fills)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, f.paper.SubmitCount())
}

func TestDuplicateSubmissionRefused(t *testing.T) {
	f := newFixture(t)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})

	tk := f.ticket(t, 100)
	require.NoError(t, f.manager.Submit(context.Background(), tk))
	_, err := f.manager.Drive(context.Background(), tk)
	require.NoError(t, err)

	again := f.ticket(t, 100) // same key, same deterministic intent id
	err = f.manager.Submit(context.Background(), again)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 1, f.paper.SubmitCount())
}

func TestRestartAdoptsLiveBrokerOrder(t *testing.T) {
	f := newFixture(t)
	tk := f.ticket(t, 100)

	// Simulate an order that went out before a crash: live at the broker,
	// ledger still PLANNED.
	_, err := f.paper.SubmitOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: tk.IntentID + "-deadbeef",
		Symbol:        "SPY",
		Side:          instrument.Buy,
		Quantity:      100,
		LimitPrice:    tk.Limit,
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Submit(context.Background(), tk))

	assert.Equal(t, StateSubmitted, tk.State)
	assert.Equal(t, tk.IntentID+"-deadbeef", tk.ClientOrderID)
	assert.Equal(t, 1, f.paper.SubmitCount(), "adoption must not submit a second order")

	dup, err := f.store.IsDuplicate(tk.IntentID, nil)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestTTLExpiryCancelsResting(t *testing.T) {
	f := newFixture(t)
	tk := f.ticket(t, 100) // no fill behavior: order rests

	require.NoError(t, f.manager.Submit(context.Background(), tk))
	f.now = f.now.Add(tk.Plan.TTL + time.Second)

	res, err := f.manager.Drive(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, res.State)
	assert.Zero(t, res.FilledQty)
}

// statusFailTransport simulates a broken status endpoint on an otherwise
// healthy broker connection.
type statusFailTransport struct {
	broker.Transport
}

func (statusFailTransport) OrderStatus(context.Context, string, string) (broker.Status, error) {
	return broker.Status{}, errors.New("status endpoint unavailable")
}

func TestTTLExpiryFiresWhenStatusEndpointIsDown(t *testing.T) {
	f := newFixture(t)
	tk := f.ticket(t, 100) // no fill behavior: order rests

	require.NoError(t, f.manager.Submit(context.Background(), tk))

	// The status endpoint starts failing while the order rests. TTL expiry
	// must still force the cancel; it cannot wait on a successful poll.
	broken := NewManager(broker.NewSession(statusFailTransport{f.paper}, 0, 0), f.store, f.pol, f.sink, time.Millisecond)
	broken.SetNowFunc(f.clock)
	f.now = f.now.Add(tk.Plan.TTL + time.Second)

	res, err := broken.Drive(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, res.State)
}

func TestSubmitRefusedWhileTradingHalted(t *testing.T) {
	f := newFixture(t)
	f.manager.SetTradeGate(func() bool { return false })
	tk := f.ticket(t, 100)

	err := f.manager.Submit(context.Background(), tk)
	assert.True(t, errors.Is(err, ErrTradingHalted))
	assert.Equal(t, StateCreated, tk.State)
	assert.Zero(t, f.paper.SubmitCount())

	f.manager.SetTradeGate(func() bool { return true })
	require.NoError(t, f.manager.Submit(context.Background(), tk))
	assert.Equal(t, StateSubmitted, tk.State)
}

func TestPartialFillDoesNotResetTTL(t *testing.T) {
	f := newFixture(t)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 0.4})
	tk := f.ticket(t, 100)

	require.NoError(t, f.manager.Submit(context.Background(), tk))

	first := true
	tk.OnFill = func(*Ticket) {
		if first {
			// push past the TTL right after the first partial fill
			f.now = f.now.Add(tk.Plan.TTL + time.Second)
			first = false
		}
	}

	res, err := f.manager.Drive(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, res.State)
	assert.Greater(t, res.FilledQty, 0.0)
	assert.Less(t, res.FilledQty, 100.0)
}

func TestReplaceAllocatesFreshClientID(t *testing.T) {
	f := newFixture(t)
	tk := f.ticket(t, 100)
	require.NoError(t, f.manager.Submit(context.Background(), tk))
	firstID := tk.ClientOrderID

	require.NoError(t, f.manager.Reprice(context.Background(), tk))

	assert.Equal(t, 1, tk.Attempts)
	assert.NotEqual(t, firstID, tk.ClientOrderID)
	assert.Len(t, tk.ClientIDs, 2)
	assert.True(t, tk.Plan.InCollar(tk.Limit))
	assert.Equal(t, 2, f.paper.SubmitCount()) // cancel+replace resubmits
}

func TestReplaceScheduleExhaustionExpires(t *testing.T) {
	f := newFixture(t)
	tk := f.ticket(t, 100)
	require.NoError(t, f.manager.Submit(context.Background(), tk))

	// Walk through every allowed replace, then one more interval expires it.
	for i := 0; i < tk.Plan.MaxRepl+1; i++ {
		f.now = f.now.Add(tk.Plan.Replace)
		done, err := f.manager.poll(context.Background(), tk)
		require.NoError(t, err)
		if done {
			break
		}
	}
	assert.Equal(t, StateExpired, tk.State)
	assert.Equal(t, tk.Plan.MaxRepl, tk.Attempts)
	assert.True(t, tk.Limit.Equal(tk.Plan.Ceiling), "final replace should sit on the collar bound")
}

func TestScriptedRejectionPublishesEvent(t *testing.T) {
	f := newFixture(t)
	f.paper.SetBehavior("SPY", broker.Behavior{RejectSubmit: true})
	tk := f.ticket(t, 100)

	require.NoError(t, f.manager.Submit(context.Background(), tk))

	assert.Equal(t, StateRejected, tk.State)
	assert.Contains(t, f.sink.kinds(), notify.KindBrokerRejection)
}

func TestCancelRetainsFills(t *testing.T) {
	f := newFixture(t)
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 0.3})
	tk := f.ticket(t, 100)
	require.NoError(t, f.manager.Submit(context.Background(), tk))

	_, err := f.manager.SyncOnce(context.Background(), tk)
	require.NoError(t, err)
	require.Greater(t, tk.FilledQty, 0.0)

	require.NoError(t, f.manager.Cancel(context.Background(), tk))
	assert.Equal(t, StateCancelled, tk.State)
	assert.InDelta(t, 30, tk.FilledQty, 1e-9)
}

func TestResultSlippageIsSignedAgainstReference(t *testing.T) {
	f := newFixture(t)
	// fills at the limit (100.37) against a ref of 100: positive buy slippage.
	f.paper.SetBehavior("SPY", broker.Behavior{FillPerPoll: 1})
	tk := f.ticket(t, 100)
	require.NoError(t, f.manager.Submit(context.Background(), tk))

	res, err := f.manager.Drive(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, res.State)
	assert.InDelta(t, 0.0037, res.Slippage, 1e-6)
}
