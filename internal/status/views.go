package status

import (
	"time"

	"updown-trader/internal/core"
)

// TradeView is the JSON shape of a ledger record. Decimals are strings.
type TradeView struct {
	ID         string     `json:"id"`
	MarketID   string     `json:"market_id"`
	TokenID    string     `json:"token_id"`
	Outcome    string     `json:"outcome"`
	EntryPrice string     `json:"entry_price"`
	Shares     string     `json:"shares"`
	Cost       string     `json:"cost"`
	Status     string     `json:"status"`
	ExitPrice  *string    `json:"exit_price,omitempty"`
	PnL        *string    `json:"pnl,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

func NewTradeView(t core.Trade) TradeView {
	v := TradeView{
		ID:         t.ID,
		MarketID:   t.MarketID,
		TokenID:    t.TokenID,
		Outcome:    t.Outcome,
		EntryPrice: t.EntryPrice.String(),
		Shares:     t.Shares.String(),
		Cost:       t.Cost.String(),
		Status:     string(t.Status),
		CreatedAt:  t.CreatedAt,
		ClosedAt:   t.ClosedAt,
		ExpiresAt:  t.ExpiresAt,
	}
	if t.ExitPrice != nil {
		s := t.ExitPrice.String()
		v.ExitPrice = &s
	}
	if t.PnL != nil {
		s := t.PnL.StringFixed(4)
		v.PnL = &s
	}
	return v
}
