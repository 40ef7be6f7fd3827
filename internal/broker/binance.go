package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"converge/internal/instrument"
	"converge/internal/logger"
	"converge/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

// BinanceConfig carries the adapter settings. Keys come from the secrets
// layer, never from the main config file.
type BinanceConfig struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	HTTPTimeout time.Duration
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// Binance implements Transport on the USD-M futures API. Every instrument it
// reports is a future; stock and option legs route through other adapters.
type Binance struct {
	client *futures.Client
}

func NewBinance(cfg BinanceConfig) *Binance {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	if base := strings.TrimSpace(final.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Binance{client: client}
}

func (b *Binance) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	side := futures.SideTypeBuy
	if req.Side == instrument.Sell {
		side = futures.SideTypeSell
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		Price(req.LimitPrice.String()).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return OrderAck{}, fmt.Errorf("binance submit %s: %w", req.Symbol, err)
	}
	return OrderAck{
		BrokerOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		AcceptedAt:    time.Now(),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("binance cancel %s/%s: %w", symbol, clientOrderID, err)
	}
	return nil
}

func (b *Binance) ModifyOrder(ctx context.Context, symbol, oldClientOrderID string, req OrderRequest) (OrderAck, error) {
	if req.ClientOrderID == oldClientOrderID {
		return OrderAck{}, fmt.Errorf("%w: replace must use a fresh client order id", ErrRejected)
	}
	if err := b.CancelOrder(ctx, symbol, oldClientOrderID); err != nil {
		return OrderAck{}, err
	}
	return b.SubmitOrder(ctx, req)
}

func (b *Binance) OrderStatus(ctx context.Context, symbol, clientOrderID string) (Status, error) {
	ord, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("binance status %s/%s: %w", symbol, clientOrderID, err)
	}
	return b.toStatus(ord), nil
}

func (b *Binance) OpenOrders(ctx context.Context) ([]Status, error) {
	orders, err := b.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance open orders: %w", err)
	}
	out := make([]Status, 0, len(orders))
	for _, ord := range orders {
		out = append(out, b.toStatus(ord))
	}
	return out, nil
}

func (b *Binance) Snapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	books, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil || len(books) == 0 {
		return market.Snapshot{}, fmt.Errorf("binance book ticker %s: %w", symbol, err)
	}
	snap := market.Snapshot{
		Symbol: symbol,
		Bid:    parseFloat(books[0].BidPrice),
		Ask:    parseFloat(books[0].AskPrice),
		At:     time.Now(),
	}
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		logger.Warnf("binance: price stats unavailable symbol=%s err=%v", symbol, err)
	} else if len(stats) > 0 {
		snap.Last = parseFloat(stats[0].LastPrice)
		snap.Close = parseFloat(stats[0].PrevClosePrice)
	}
	return snap, nil
}

// AccountNAV uses total margin balance: wallet balance plus unrealized P&L.
// Position notional never enters the figure.
func (b *Binance) AccountNAV(ctx context.Context) (float64, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance account: %w", err)
	}
	return parseFloat(acct.TotalMarginBalance), nil
}

func (b *Binance) Positions(ctx context.Context) ([]Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance positions: %w", err)
	}
	var out []Position
	for _, r := range risks {
		qty := parseFloat(r.PositionAmt)
		if qty == 0 {
			continue
		}
		out = append(out, Position{
			Symbol:       r.Symbol,
			Class:        instrument.ClassFuture,
			Quantity:     qty,
			AvgCost:      parseFloat(r.EntryPrice),
			MarkPrice:    parseFloat(r.MarkPrice),
			UnrealizedPL: parseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

func (b *Binance) toStatus(ord *futures.Order) Status {
	return Status{
		BrokerOrderID: strconv.FormatInt(ord.OrderID, 10),
		ClientOrderID: ord.ClientOrderID,
		Symbol:        ord.Symbol,
		Side:          instrument.Side(ord.Side),
		State:         string(ord.Status),
		FilledQty:     parseFloat(ord.ExecutedQuantity),
		AvgFillPrice:  parseFloat(ord.AvgPrice),
		UpdatedAt:     time.UnixMilli(ord.UpdateTime),
	}
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

var _ Transport = (*Binance)(nil)
