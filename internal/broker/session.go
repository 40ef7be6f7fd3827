package broker

import (
	"context"
	"sync"

	"converge/internal/market"

	"golang.org/x/time/rate"
)

// Session serializes every broker-facing verb behind one mutex and one rate
// limiter. Order state machines are concurrent in bookkeeping only; the wire
// channel is a single mutually-exclusive resource.
type Session struct {
	transport Transport
	limiter   *rate.Limiter
	mu        sync.Mutex
}

// NewSession wraps a transport. requestsPerSec <= 0 disables rate limiting
// (useful for the paper transport in tests).
func NewSession(t Transport, requestsPerSec float64, burst int) *Session {
	var limiter *rate.Limiter
	if requestsPerSec > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), burst)
	}
	return &Session{transport: t, limiter: limiter}
}

func (s *Session) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *Session) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return OrderAck{}, err
	}
	return s.transport.SubmitOrder(ctx, req)
}

func (s *Session) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return err
	}
	return s.transport.CancelOrder(ctx, symbol, clientOrderID)
}

func (s *Session) ModifyOrder(ctx context.Context, symbol, oldClientOrderID string, req OrderRequest) (OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return OrderAck{}, err
	}
	return s.transport.ModifyOrder(ctx, symbol, oldClientOrderID, req)
}

func (s *Session) OrderStatus(ctx context.Context, symbol, clientOrderID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return Status{}, err
	}
	return s.transport.OrderStatus(ctx, symbol, clientOrderID)
}

func (s *Session) OpenOrders(ctx context.Context) ([]Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return s.transport.OpenOrders(ctx)
}

func (s *Session) Snapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return market.Snapshot{}, err
	}
	return s.transport.Snapshot(ctx, symbol)
}

func (s *Session) AccountNAV(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	return s.transport.AccountNAV(ctx)
}

func (s *Session) Positions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return s.transport.Positions(ctx)
}

var _ Transport = (*Session)(nil)
