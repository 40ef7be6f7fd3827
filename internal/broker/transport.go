package broker

import (
	"context"
	"errors"
	"time"

	"converge/internal/instrument"
	"converge/internal/market"

	"github.com/shopspring/decimal"
)

// ErrRejected wraps broker-side order rejections. Rejections are logged and
// surfaced, never blindly retried.
var ErrRejected = errors.New("broker: order rejected")

// ErrUnknownOrder is returned by status/cancel for ids the broker never saw.
var ErrUnknownOrder = errors.New("broker: unknown order")

// OrderRequest is the one order shape the core submits. Orders are always
// limit orders; there is no market-order escape hatch.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Class         instrument.Class
	Side          instrument.Side
	Quantity      float64
	LimitPrice    decimal.Decimal
}

// OrderAck is the broker's acknowledgment of a submit or modify.
type OrderAck struct {
	BrokerOrderID string
	ClientOrderID string
	AcceptedAt    time.Time
}

// Status is the broker's view of one live or historical order.
type Status struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          instrument.Side
	State         string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, REJECTED, EXPIRED
	FilledQty     float64
	AvgFillPrice  float64
	Commission    float64
	UpdatedAt     time.Time
}

func (s Status) Terminal() bool {
	switch s.State {
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}

// Position is the broker's authoritative view of one holding. Quantity is
// signed here because the broker reports net direction; the core converts to
// unsigned quantity plus side at the translation boundary.
type Position struct {
	Symbol       string
	Class        instrument.Class
	Quantity     float64
	AvgCost      float64
	MarkPrice    float64
	UnrealizedPL float64
}

// Transport is the single contract every broker adapter implements. The core
// depends only on this interface; adapter-specific object models never leak
// past it. ModifyOrder is cancel-plus-resubmit under a fresh client order id,
// because real brokers reject id reuse on replace.
type Transport interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	ModifyOrder(ctx context.Context, symbol, oldClientOrderID string, req OrderRequest) (OrderAck, error)
	OrderStatus(ctx context.Context, symbol, clientOrderID string) (Status, error)
	OpenOrders(ctx context.Context) ([]Status, error)
	Snapshot(ctx context.Context, symbol string) (market.Snapshot, error)
	AccountNAV(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]Position, error)
}
