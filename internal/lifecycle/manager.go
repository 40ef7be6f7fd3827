package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"converge/internal/broker"
	"converge/internal/ledger"
	"converge/internal/logger"
	"converge/internal/notify"
	"converge/internal/policy"

	"github.com/google/uuid"
)

// ErrDuplicate is returned when an intent already has a live or completed
// submission; the caller reconciles against the existing ticket instead.
var ErrDuplicate = errors.New("lifecycle: duplicate submission refused")

// ErrTradingHalted is returned by Submit when the trade gate refuses new
// submissions. A caller hitting this has skipped the reconcile step.
var ErrTradingHalted = errors.New("lifecycle: submission refused, trading halted")

// Manager drives ticket state machines: submit, poll, replace, expire. All
// broker verbs go through the serialized session; concurrency lives in
// bookkeeping only.
type Manager struct {
	session *broker.Session
	store   *ledger.Store
	pol     *policy.Engine
	sink    notify.Sink

	pollInterval time.Duration
	nowFn        func() time.Time
	gate         func() bool
}

func NewManager(session *broker.Session, store *ledger.Store, pol *policy.Engine, sink notify.Sink, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Manager{
		session:      session,
		store:        store,
		pol:          pol,
		sink:         sink,
		pollInterval: pollInterval,
		nowFn:        time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	if m != nil && fn != nil {
		m.nowFn = fn
	}
}

// SetTradeGate installs the reconciliation guard's can-trade check. Every
// Submit asserts it as a programming-error backstop against callers that
// reach the broker without reconciling first.
func (m *Manager) SetTradeGate(fn func() bool) {
	if m != nil {
		m.gate = fn
	}
}

// freshClientID allocates a new client order id carrying the deterministic
// intent id as prefix. Every submit and every replace gets its own id; id
// reuse on replace is rejected by real brokers.
func freshClientID(intentID string) string {
	return intentID + "-" + uuid.NewString()[:8]
}

// Submit performs the duplicate check and the initial submission, moving the
// ticket CREATED -> SUBMITTED. When a crash left an order live at the broker,
// the ticket adopts it instead of submitting again.
func (m *Manager) Submit(ctx context.Context, t *Ticket) error {
	if m == nil || t == nil {
		return fmt.Errorf("lifecycle: nil manager or ticket")
	}
	if t.State != StateCreated {
		return fmt.Errorf("lifecycle: ticket %s not in CREATED (%s)", t.IntentID, t.State)
	}
	if m.gate != nil && !m.gate() {
		return fmt.Errorf("%w: intent %s", ErrTradingHalted, t.IntentID)
	}
	open, err := m.session.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: open order check: %w", err)
	}
	openIDs := make([]string, 0, len(open))
	for _, o := range open {
		openIDs = append(openIDs, o.ClientOrderID)
	}
	dup, err := m.store.IsDuplicate(t.IntentID, openIDs)
	if err != nil {
		return err // fail closed: ledger unavailable aborts the run
	}
	if dup {
		for _, o := range open {
			if strings.HasPrefix(o.ClientOrderID, t.IntentID) {
				return m.adopt(t, o)
			}
		}
		return fmt.Errorf("%w: intent %s", ErrDuplicate, t.IntentID)
	}

	now := m.nowFn()
	t.ClientOrderID = freshClientID(t.IntentID)
	ack, err := m.session.SubmitOrder(ctx, m.request(t))
	if err != nil {
		if errors.Is(err, broker.ErrRejected) {
			m.reject(t, err)
			return nil
		}
		return fmt.Errorf("lifecycle: submit %s: %w", t.IntentID, err)
	}
	t.BrokerOrderID = ack.BrokerOrderID
	t.ClientIDs = append(t.ClientIDs, t.ClientOrderID)
	t.State = StateSubmitted
	t.submittedAt = now
	t.ttlDeadline = now.Add(t.Plan.TTL)
	t.lastPriceMove = now
	if err := m.store.MarkSubmitted(t.IntentID, []string{ack.BrokerOrderID}); err != nil {
		// The order is live; losing the ledger now must not orphan it. Cancel
		// and fail closed.
		logger.Errorf("lifecycle: ledger write failed after submit intent=%s err=%v, cancelling", t.IntentID, err)
		if cerr := m.session.CancelOrder(ctx, m.symbol(t), t.ClientOrderID); cerr != nil {
			logger.Errorf("lifecycle: protective cancel failed intent=%s err=%v", t.IntentID, cerr)
		}
		return err
	}
	logger.Infof("lifecycle: submitted intent=%s client=%s px=%s qty=%.4f", t.IntentID, t.ClientOrderID, t.Limit, t.Plan.Intent.Quantity)
	return nil
}

// adopt attaches a broker-side order discovered after a crash to the ticket.
func (m *Manager) adopt(t *Ticket, o broker.Status) error {
	t.ClientOrderID = o.ClientOrderID
	t.BrokerOrderID = o.BrokerOrderID
	t.ClientIDs = append(t.ClientIDs, o.ClientOrderID)
	t.State = StateSubmitted
	now := m.nowFn()
	t.submittedAt = now
	t.ttlDeadline = now.Add(t.Plan.TTL)
	t.lastPriceMove = now
	if err := m.store.AdoptBrokerOrder(t.IntentID, o.BrokerOrderID); err != nil {
		return err
	}
	logger.Warnf("lifecycle: adopted broker order intent=%s client=%s", t.IntentID, o.ClientOrderID)
	return nil
}

// Drive polls a submitted ticket to its terminal state. Partial fills do not
// reset the TTL; the replace interval prices the laggard up inside the collar
// with a freshly allocated client id each time.
func (m *Manager) Drive(ctx context.Context, t *Ticket) (Result, error) {
	if m == nil || t == nil {
		return Result{}, fmt.Errorf("lifecycle: nil manager or ticket")
	}
	if t.State.Terminal() {
		return t.result(m.nowFn()), nil
	}
	if t.State != StateSubmitted && t.State != StatePartiallyFilled {
		return Result{}, fmt.Errorf("lifecycle: ticket %s not driveable (%s)", t.IntentID, t.State)
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return t.result(m.nowFn()), ctx.Err()
		case <-ticker.C:
		}
		done, err := m.poll(ctx, t)
		if err != nil {
			logger.Warnf("lifecycle: poll failed intent=%s err=%v", t.IntentID, err)
			continue
		}
		if done {
			return m.finish(t), nil
		}
	}
}

// poll runs one status check plus any due replace/expire action. It returns
// true when the ticket reached a terminal state.
func (m *Manager) poll(ctx context.Context, t *Ticket) (bool, error) {
	// TTL runs off the local clock, before the status fetch: a broken status
	// endpoint must not keep an expired order resting at the broker.
	if !m.nowFn().Before(t.ttlDeadline) {
		return true, m.expire(ctx, t)
	}
	status, err := m.session.OrderStatus(ctx, m.symbol(t), t.ClientOrderID)
	if err != nil {
		return false, err
	}
	if status.FilledQty > t.FilledQty {
		t.FilledQty = status.FilledQty
		t.AvgFillPrice = status.AvgFillPrice
		t.commission = status.Commission
		if t.FilledQty < t.Plan.Intent.Quantity {
			t.State = StatePartiallyFilled
		}
		if t.OnFill != nil {
			t.OnFill(t)
		}
	}
	now := m.nowFn()
	switch status.State {
	case "FILLED":
		t.State = StateFilled
		return true, nil
	case "REJECTED":
		m.reject(t, fmt.Errorf("%w: broker state REJECTED", broker.ErrRejected))
		return true, nil
	case "CANCELED", "EXPIRED":
		// Cancelled from outside the manager (broker GTC expiry, manual desk
		// action). Respect it as terminal.
		t.State = StateCancelled
		return true, nil
	}

	if now.Sub(t.lastPriceMove) >= t.Plan.Replace {
		if t.Attempts >= t.Plan.MaxRepl {
			return true, m.expire(ctx, t)
		}
		if err := m.replace(ctx, t); err != nil {
			logger.Warnf("lifecycle: replace failed intent=%s err=%v", t.IntentID, err)
		}
	}
	return false, nil
}

// replace cancels and resubmits at the next, strictly more aggressive price
// inside the collar, under a fresh client order id.
func (m *Manager) replace(ctx context.Context, t *Ticket) error {
	t.Attempts++
	next := m.pol.Reprice(t.Plan, t.Limit, t.Attempts)
	oldID := t.ClientOrderID
	newID := freshClientID(t.IntentID)
	req := m.request(t)
	req.ClientOrderID = newID
	req.Quantity = t.Remaining()
	req.LimitPrice = next
	ack, err := m.session.ModifyOrder(ctx, m.symbol(t), oldID, req)
	if err != nil {
		t.Attempts--
		return err
	}
	t.ClientOrderID = newID
	t.BrokerOrderID = ack.BrokerOrderID
	t.ClientIDs = append(t.ClientIDs, newID)
	t.Limit = next
	t.lastPriceMove = m.nowFn()
	if err := m.store.MarkSubmitted(t.IntentID, []string{ack.BrokerOrderID}); err != nil {
		return err
	}
	logger.Infof("lifecycle: replaced intent=%s attempt=%d px=%s client=%s", t.IntentID, t.Attempts, next, newID)
	return nil
}

// SyncOnce runs a single status poll outside the Drive loop, refreshing fill
// state on tickets nobody is actively driving (e.g. a resting hedge).
func (m *Manager) SyncOnce(ctx context.Context, t *Ticket) (bool, error) {
	if m == nil || t == nil {
		return false, fmt.Errorf("lifecycle: nil manager or ticket")
	}
	if t.State.Terminal() {
		return true, nil
	}
	done, err := m.poll(ctx, t)
	if done {
		m.finish(t)
	}
	return done, err
}

// Reprice forces an immediate replace toward the collar bound, used by the
// paired-leg coordinator on a lagging leg.
func (m *Manager) Reprice(ctx context.Context, t *Ticket) error {
	if m == nil || t == nil || t.State.Terminal() {
		return nil
	}
	return m.replace(ctx, t)
}

// Cancel cancels a live ticket outright, marking it CANCELLED. Fills already
// received are retained.
func (m *Manager) Cancel(ctx context.Context, t *Ticket) error {
	if m == nil || t == nil || t.State.Terminal() {
		return nil
	}
	if t.ClientOrderID != "" {
		if err := m.session.CancelOrder(ctx, m.symbol(t), t.ClientOrderID); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
			return err
		}
	}
	t.State = StateCancelled
	m.finish(t)
	return nil
}

func (m *Manager) expire(ctx context.Context, t *Ticket) error {
	if err := m.session.CancelOrder(ctx, m.symbol(t), t.ClientOrderID); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
		return err
	}
	t.State = StateExpired
	return nil
}

func (m *Manager) reject(t *Ticket, err error) {
	t.State = StateRejected
	logger.Errorf("lifecycle: rejected intent=%s err=%v", t.IntentID, err)
	m.sink.Publish(notify.Event{
		Kind: notify.KindBrokerRejection,
		At:   m.nowFn(),
		Fields: map[string]any{
			"intent_id": t.IntentID,
			"symbol":    m.symbol(t),
			"reason":    err.Error(),
		},
	})
}

// finish archives the terminal ticket into a Result, updates the ledger and
// fires the completion callback exactly once.
func (m *Manager) finish(t *Ticket) Result {
	res := t.result(m.nowFn())
	status := ledger.StatusDone
	switch t.State {
	case StateFilled:
		status = ledger.StatusFilled
	case StateRejected, StateCancelled, StateExpired:
		status = ledger.StatusDone
	}
	if err := m.store.MarkTerminal(t.IntentID, status); err != nil {
		logger.Errorf("lifecycle: ledger terminal mark failed intent=%s err=%v", t.IntentID, err)
	}
	if t.OnDone != nil {
		t.OnDone(res)
		t.OnDone = nil
	}
	return res
}

func (m *Manager) symbol(t *Ticket) string {
	return t.Plan.Intent.Instrument.Symbol
}

func (m *Manager) request(t *Ticket) broker.OrderRequest {
	return broker.OrderRequest{
		ClientOrderID: t.ClientOrderID,
		Symbol:        m.symbol(t),
		Class:         t.Plan.Intent.Instrument.Class,
		Side:          t.Plan.Intent.Side,
		Quantity:      t.Plan.Intent.Quantity,
		LimitPrice:    t.Limit,
	}
}
