package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

// BookSource is the slice of the exchange client the rules cache needs.
type BookSource interface {
	OrderBook(ctx context.Context, tokenID string) (core.OrderBook, error)
}

// RulesCache is a read-through TTL cache of per-token trading constraints.
// Failed fetches are cached as fallback rules for the same TTL.
type RulesCache struct {
	src            BookSource
	ttl            time.Duration
	defaultMinSize decimal.Decimal
	now            func() time.Time

	mu      sync.RWMutex
	entries map[string]core.Rules
}

func NewRulesCache(src BookSource, ttl time.Duration, defaultMinSize decimal.Decimal) *RulesCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if !defaultMinSize.IsPositive() {
		defaultMinSize = decimal.NewFromInt(5)
	}
	return &RulesCache{
		src:            src,
		ttl:            ttl,
		defaultMinSize: defaultMinSize,
		now:            time.Now,
		entries:        make(map[string]core.Rules),
	}
}

func (c *RulesCache) Get(ctx context.Context, tokenID string) core.Rules {
	now := c.now()
	c.mu.RLock()
	cached, ok := c.entries[tokenID]
	c.mu.RUnlock()
	if ok && now.Sub(cached.FetchedAt) < c.ttl {
		return cached
	}

	rules := c.fetch(ctx, tokenID, now)
	c.mu.Lock()
	c.entries[tokenID] = rules
	c.mu.Unlock()
	return rules
}

func (c *RulesCache) fetch(ctx context.Context, tokenID string, now time.Time) core.Rules {
	book, err := c.src.OrderBook(ctx, tokenID)
	if err != nil {
		log.Printf("level=WARN event=rules_fallback token=%q err=%q", tokenID, err.Error())
		return c.fallback(tokenID, now)
	}
	if !book.MinSize.IsPositive() || !book.TickSize.IsPositive() || book.TickSize.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		log.Printf("level=WARN event=rules_fallback token=%q min_size=%s tick_size=%s", tokenID, book.MinSize, book.TickSize)
		return c.fallback(tokenID, now)
	}
	return core.Rules{
		TokenID:   tokenID,
		MinSize:   book.MinSize,
		TickSize:  book.TickSize,
		FetchedAt: now,
	}
}

func (c *RulesCache) fallback(tokenID string, now time.Time) core.Rules {
	return core.Rules{
		TokenID:   tokenID,
		MinSize:   c.defaultMinSize,
		TickSize:  core.DefaultTick,
		FetchedAt: now,
		Fallback:  true,
	}
}

// Invalidate drops a cached entry so the next Get refetches.
func (c *RulesCache) Invalidate(tokenID string) {
	c.mu.Lock()
	delete(c.entries, tokenID)
	c.mu.Unlock()
}
