package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

// Client is the minimal set of exchange operations the engine needs.
type Client interface {
	Name() string
	Balance(ctx context.Context) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error)
	OrderBook(ctx context.Context, tokenID string) (core.OrderBook, error)
	PlaceLimitOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error)
	PlaceMarketOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error)
	GetOrder(ctx context.Context, orderID string) (core.OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelToken(ctx context.Context, tokenID string) error
	CancelAll(ctx context.Context) error
}

// Acquirer hands out call slots; see ratelimit.Limiter.
type Acquirer interface {
	Acquire(ctx context.Context) (func(), error)
}
