package market

import (
	"context"
	"sync"
	"time"

	"converge/internal/logger"
)

// Provider supplies a fresh snapshot for one instrument. Implementations live
// behind the broker transport or a dedicated market-data feed.
type Provider interface {
	Snapshot(ctx context.Context, symbol string) (Snapshot, error)
}

// Cache holds the snapshots for one polling tick. Reads are shared across the
// cycle; Refresh replaces the whole map rather than merging, so a symbol that
// stopped quoting does not linger as phantom state.
type Cache struct {
	provider Provider
	maxAge   time.Duration
	nowFn    func() time.Time

	mu   sync.RWMutex
	snap map[string]Snapshot
}

func NewCache(provider Provider, maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &Cache{
		provider: provider,
		maxAge:   maxAge,
		nowFn:    time.Now,
		snap:     make(map[string]Snapshot),
	}
}

// SetNowFunc injects a clock for tests.
func (c *Cache) SetNowFunc(fn func() time.Time) {
	if c == nil || fn == nil {
		return
	}
	c.nowFn = fn
}

// Refresh polls every requested symbol and swaps the cache wholesale. A symbol
// whose poll fails is logged and left out; its orders will be skipped, not the
// run.
func (c *Cache) Refresh(ctx context.Context, symbols []string) {
	if c == nil || c.provider == nil {
		return
	}
	fresh := make(map[string]Snapshot, len(symbols))
	for _, sym := range symbols {
		snap, err := c.provider.Snapshot(ctx, sym)
		if err != nil {
			logger.Warnf("market: snapshot poll failed symbol=%s err=%v", sym, err)
			continue
		}
		fresh[sym] = snap
	}
	c.mu.Lock()
	c.snap = fresh
	c.mu.Unlock()
}

// Get returns the cached snapshot, ErrNoSnapshot when absent and ErrStaleData
// when older than the configured max age.
func (c *Cache) Get(symbol string) (Snapshot, error) {
	if c == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	c.mu.RLock()
	snap, ok := c.snap[symbol]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNoSnapshot
	}
	if snap.Stale(c.maxAge, c.nowFn()) {
		return snap, ErrStaleData
	}
	return snap, nil
}
