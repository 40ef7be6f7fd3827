package lifecycle

import (
	"time"

	"converge/internal/policy"

	"github.com/shopspring/decimal"
)

// State is the ticket lifecycle state. The last four are terminal.
type State string

const (
	StateCreated         State = "CREATED"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateExpired         State = "EXPIRED"
	StateRejected        State = "REJECTED"
)

func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateExpired, StateRejected:
		return true
	}
	return false
}

// Result is the immutable terminal record of one ticket, handed to the
// completion callback and to analytics.
type Result struct {
	IntentID    string
	Symbol      string
	State       State
	FilledQty   float64
	AvgPrice    float64
	Slippage    float64 // signed, relative to the plan's reference price
	Commission  float64
	Replaces    int
	ClientIDs   []string
	CompletedAt time.Time
}

// Ticket is the live order state owned exclusively by the Manager. Nothing
// else mutates a ticket once it has been handed over.
type Ticket struct {
	IntentID string
	Plan     policy.Plan

	ClientOrderID string
	BrokerOrderID string
	State         State
	FilledQty     float64
	AvgFillPrice  float64
	Limit         decimal.Decimal
	Attempts      int
	ClientIDs     []string

	submittedAt   time.Time
	ttlDeadline   time.Time
	lastPriceMove time.Time
	commission    float64

	// OnFill fires on every filled-quantity change; OnDone fires exactly once
	// on the terminal transition.
	OnFill func(t *Ticket)
	OnDone func(r Result)
}

// NewTicket wraps a plan into a CREATED ticket.
func NewTicket(intentID string, plan policy.Plan) *Ticket {
	return &Ticket{
		IntentID: intentID,
		Plan:     plan,
		State:    StateCreated,
		Limit:    plan.Limit,
	}
}

// Remaining is the unfilled quantity.
func (t *Ticket) Remaining() float64 {
	return t.Plan.Intent.Quantity - t.FilledQty
}

// FillRatio is filled quantity over total, in [0,1].
func (t *Ticket) FillRatio() float64 {
	if t.Plan.Intent.Quantity <= 0 {
		return 0
	}
	return t.FilledQty / t.Plan.Intent.Quantity
}

func (t *Ticket) result(now time.Time) Result {
	ref, _ := t.Plan.Ref.Float64()
	slip := 0.0
	if ref > 0 && t.FilledQty > 0 {
		slip = (t.AvgFillPrice - ref) / ref
		if t.Plan.Intent.Side.Sign() < 0 {
			slip = -slip
		}
	}
	return Result{
		IntentID:    t.IntentID,
		Symbol:      t.Plan.Intent.Instrument.Symbol,
		State:       t.State,
		FilledQty:   t.FilledQty,
		AvgPrice:    t.AvgFillPrice,
		Slippage:    slip,
		Commission:  t.commission,
		Replaces:    t.Attempts,
		ClientIDs:   append([]string(nil), t.ClientIDs...),
		CompletedAt: now,
	}
}
