package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

// Throttled makes every call acquire a slot from the limiter before reaching the exchange.
type Throttled struct {
	inner   Client
	limiter Acquirer
}

func NewThrottled(inner Client, limiter Acquirer) *Throttled {
	return &Throttled{inner: inner, limiter: limiter}
}

func (t *Throttled) acquire(ctx context.Context) (func(), error) {
	if t.limiter == nil {
		return func() {}, nil
	}
	release, err := t.limiter.Acquire(ctx)
	if err != nil {
		return nil, core.Transient("rate limit", err)
	}
	return release, nil
}

func (t *Throttled) Name() string { return t.inner.Name() }

func (t *Throttled) Balance(ctx context.Context) (decimal.Decimal, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer release()
	return t.inner.Balance(ctx)
}

func (t *Throttled) TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer release()
	return t.inner.TokenBalance(ctx, tokenID)
}

func (t *Throttled) OrderBook(ctx context.Context, tokenID string) (core.OrderBook, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return core.OrderBook{}, err
	}
	defer release()
	return t.inner.OrderBook(ctx, tokenID)
}

func (t *Throttled) PlaceLimitOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return core.OrderAck{}, err
	}
	defer release()
	return t.inner.PlaceLimitOrder(ctx, req)
}

func (t *Throttled) PlaceMarketOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return core.OrderAck{}, err
	}
	defer release()
	return t.inner.PlaceMarketOrder(ctx, req)
}

func (t *Throttled) GetOrder(ctx context.Context, orderID string) (core.OrderState, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return core.OrderState{}, err
	}
	defer release()
	return t.inner.GetOrder(ctx, orderID)
}

func (t *Throttled) CancelOrder(ctx context.Context, orderID string) error {
	release, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return t.inner.CancelOrder(ctx, orderID)
}

func (t *Throttled) CancelToken(ctx context.Context, tokenID string) error {
	release, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return t.inner.CancelToken(ctx, tokenID)
}

func (t *Throttled) CancelAll(ctx context.Context) error {
	release, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return t.inner.CancelAll(ctx)
}
