package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type TradeStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	// GTC rests on the book until filled or cancelled.
	GTC OrderType = "GTC"
	// FOK must fill completely and immediately or not at all.
	FOK OrderType = "FOK"
	// FAK fills whatever is immediately available and cancels the rest.
	FAK OrderType = "FAK"
)

const (
	OrderLive      OrderStatus = "LIVE"
	OrderMatched   OrderStatus = "MATCHED"
	OrderDelayed   OrderStatus = "DELAYED"
	OrderCancelled OrderStatus = "CANCELED"
	OrderUnmatched OrderStatus = "UNMATCHED"
)

const (
	TradeOpen     TradeStatus = "OPEN"
	TradeStopped  TradeStatus = "STOPPED"
	TradeResolved TradeStatus = "RESOLVED"
)

// Trade is the lifecycle record of one position in one outcome token.
type Trade struct {
	ID         string
	MarketID   string
	TokenID    string
	Outcome    string
	EntryPrice decimal.Decimal
	Shares     decimal.Decimal
	Cost       decimal.Decimal
	Status     TradeStatus
	ExitPrice  *decimal.Decimal
	PnL        *decimal.Decimal
	CreatedAt  time.Time
	ClosedAt   *time.Time
	ExpiresAt  time.Time
}

func (t Trade) Closed() bool {
	return t.Status == TradeStopped || t.Status == TradeResolved
}

// Snapshot is the latest top of book seen for a token.
type Snapshot struct {
	TokenID   string
	LastTrade decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	UpdatedAt time.Time
}

func (s Snapshot) Age(now time.Time) time.Duration {
	if s.UpdatedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(s.UpdatedAt)
}

func (s Snapshot) Spread() decimal.Decimal {
	return s.BestAsk.Sub(s.BestBid)
}

type Rules struct {
	TokenID   string
	MinSize   decimal.Decimal
	TickSize  decimal.Decimal
	FetchedAt time.Time
	Fallback  bool
}

type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is the REST view of a token's book plus its trading constraints.
type OrderBook struct {
	TokenID  string
	Bids     []PriceLevel
	Asks     []PriceLevel
	MinSize  decimal.Decimal
	TickSize decimal.Decimal
}

// BestBid returns the highest bid, or zero when the bid side is empty.
func (b OrderBook) BestBid() decimal.Decimal {
	best := decimal.Zero
	for _, lvl := range b.Bids {
		if lvl.Price.GreaterThan(best) {
			best = lvl.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask, or zero when the ask side is empty.
func (b OrderBook) BestAsk() decimal.Decimal {
	best := decimal.Zero
	for _, lvl := range b.Asks {
		if best.IsZero() || lvl.Price.LessThan(best) {
			best = lvl.Price
		}
	}
	return best
}

type OrderRequest struct {
	TokenID string
	Side    Side
	Type    OrderType
	Price   decimal.Decimal
	Size    decimal.Decimal
}

type OrderAck struct {
	OrderID string
	Status  OrderStatus
}

type OrderState struct {
	OrderID      string
	TokenID      string
	Side         Side
	Status       OrderStatus
	Price        decimal.Decimal
	OriginalSize decimal.Decimal
	SizeMatched  decimal.Decimal
}

// Filled reports whether any part of the order has executed.
func (o OrderState) Filled() bool {
	return o.SizeMatched.IsPositive() || o.Status == OrderMatched
}

type Token struct {
	ID      string
	Outcome string
	Price   decimal.Decimal
}

// Market is one tradable binary market as listed by discovery.
type Market struct {
	ID        string
	Slug      string
	Question  string
	EndTime   time.Time
	Tokens    []Token
	AcceptsOn bool
}

func (m Market) TimeLeft(now time.Time) time.Duration {
	return m.EndTime.Sub(now)
}
