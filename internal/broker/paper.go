package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"converge/internal/market"
)

// Behavior scripts how the paper transport treats orders on one symbol.
// FillPerPoll is the fraction of the order quantity filled on each status
// poll; zero means the order rests untouched.
type Behavior struct {
	RejectSubmit bool
	FillPerPoll  float64
	FillPrice    float64
}

type paperOrder struct {
	req       OrderRequest
	brokerID  string
	state     string
	filled    float64
	avgPrice  float64
	updatedAt time.Time
}

// Paper is an in-memory Transport used by tests and dry runs. It honours the
// same contract as a real adapter: terminal orders stay terminal, cancels on
// unknown ids fail, client order ids are unique per submission.
type Paper struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*paperOrder
	behaviors map[string]Behavior
	snapshots map[string]market.Snapshot
	positions []Position
	nav       float64
	nowFn     func() time.Time
}

func NewPaper() *Paper {
	return &Paper{
		orders:    make(map[string]*paperOrder),
		behaviors: make(map[string]Behavior),
		snapshots: make(map[string]market.Snapshot),
		nowFn:     time.Now,
	}
}

func (p *Paper) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		p.nowFn = fn
	}
}

func (p *Paper) SetBehavior(symbol string, b Behavior) {
	p.mu.Lock()
	p.behaviors[symbol] = b
	p.mu.Unlock()
}

func (p *Paper) SetSnapshot(symbol string, s market.Snapshot) {
	p.mu.Lock()
	p.snapshots[symbol] = s
	p.mu.Unlock()
}

func (p *Paper) SetNAV(nav float64) {
	p.mu.Lock()
	p.nav = nav
	p.mu.Unlock()
}

func (p *Paper) SetPositions(positions []Position) {
	p.mu.Lock()
	p.positions = append([]Position(nil), positions...)
	p.mu.Unlock()
}

// SubmitCount reports how many submissions the transport accepted, used by
// idempotency tests.
func (p *Paper) SubmitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Paper) SubmitOrder(_ context.Context, req OrderRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.orders[req.ClientOrderID]; exists {
		return OrderAck{}, fmt.Errorf("%w: duplicate client order id %s", ErrRejected, req.ClientOrderID)
	}
	if b, ok := p.behaviors[req.Symbol]; ok && b.RejectSubmit {
		return OrderAck{}, fmt.Errorf("%w: scripted rejection for %s", ErrRejected, req.Symbol)
	}
	p.seq++
	ord := &paperOrder{
		req:       req,
		brokerID:  fmt.Sprintf("paper-%06d", p.seq),
		state:     "NEW",
		updatedAt: p.nowFn(),
	}
	p.orders[req.ClientOrderID] = ord
	return OrderAck{BrokerOrderID: ord.brokerID, ClientOrderID: req.ClientOrderID, AcceptedAt: ord.updatedAt}, nil
}

func (p *Paper) CancelOrder(_ context.Context, _ string, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[clientOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	if terminalState(ord.state) {
		return nil
	}
	ord.state = "CANCELED"
	ord.updatedAt = p.nowFn()
	return nil
}

func (p *Paper) ModifyOrder(ctx context.Context, symbol, oldClientOrderID string, req OrderRequest) (OrderAck, error) {
	if req.ClientOrderID == oldClientOrderID {
		return OrderAck{}, fmt.Errorf("%w: replace must use a fresh client order id", ErrRejected)
	}
	if err := p.CancelOrder(ctx, symbol, oldClientOrderID); err != nil {
		return OrderAck{}, err
	}
	return p.SubmitOrder(ctx, req)
}

func (p *Paper) OrderStatus(_ context.Context, _ string, clientOrderID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[clientOrderID]
	if !ok {
		return Status{}, ErrUnknownOrder
	}
	p.advance(ord)
	return p.statusLocked(ord), nil
}

func (p *Paper) OpenOrders(_ context.Context) ([]Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Status
	for _, ord := range p.orders {
		if !terminalState(ord.state) {
			out = append(out, p.statusLocked(ord))
		}
	}
	return out, nil
}

func (p *Paper) Snapshot(_ context.Context, symbol string) (market.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[symbol]
	if !ok {
		return market.Snapshot{}, market.ErrNoSnapshot
	}
	return snap, nil
}

func (p *Paper) AccountNAV(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nav, nil
}

func (p *Paper) Positions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Position(nil), p.positions...), nil
}

// advance applies the scripted fill fraction once per poll.
func (p *Paper) advance(ord *paperOrder) {
	if terminalState(ord.state) {
		return
	}
	b, ok := p.behaviors[ord.req.Symbol]
	if !ok || b.FillPerPoll <= 0 {
		return
	}
	inc := ord.req.Quantity * b.FillPerPoll
	if ord.filled+inc >= ord.req.Quantity {
		inc = ord.req.Quantity - ord.filled
	}
	price := b.FillPrice
	if price <= 0 {
		price, _ = ord.req.LimitPrice.Float64()
	}
	if inc > 0 {
		total := ord.avgPrice*ord.filled + price*inc
		ord.filled += inc
		ord.avgPrice = total / ord.filled
		ord.updatedAt = p.nowFn()
	}
	if ord.filled >= ord.req.Quantity {
		ord.state = "FILLED"
	} else if ord.filled > 0 {
		ord.state = "PARTIALLY_FILLED"
	}
}

func (p *Paper) statusLocked(ord *paperOrder) Status {
	return Status{
		BrokerOrderID: ord.brokerID,
		ClientOrderID: ord.req.ClientOrderID,
		Symbol:        ord.req.Symbol,
		Side:          ord.req.Side,
		State:         ord.state,
		FilledQty:     ord.filled,
		AvgFillPrice:  ord.avgPrice,
		UpdatedAt:     ord.updatedAt,
	}
}

func terminalState(state string) bool {
	switch state {
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}

var _ Transport = (*Paper)(nil)
