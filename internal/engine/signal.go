package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

var half = decimal.RequireFromString("0.5")

// entryReason returns "" when ask/bid qualify for an entry, otherwise why not.
// Both bounds and the spread limit are inclusive.
func (p Params) entryReason(ask, bid decimal.Decimal) string {
	switch {
	case !ask.IsPositive():
		return "no_ask"
	case ask.LessThan(p.EntryThreshold):
		return "ask_below_threshold"
	case ask.GreaterThan(p.MaxEntryPrice):
		return "ask_above_max"
	case !core.SpreadWithin(ask, bid, p.MaxSpread):
		return "spread_too_wide"
	}
	return ""
}

func (p Params) shouldEnter(ask, bid decimal.Decimal) bool {
	return p.entryReason(ask, bid) == ""
}

func (p Params) shouldStop(bid decimal.Decimal) bool {
	return core.StopTriggered(bid, p.StopLoss)
}

// inWindow reports whether a market's remaining time is inside [min, max].
// A zero max means no upper bound.
func (p Params) inWindow(m core.Market, now time.Time) bool {
	left := m.TimeLeft(now)
	if left < p.MinTimeLeft {
		return false
	}
	return p.MaxTimeLeft <= 0 || left <= p.MaxTimeLeft
}

// entryNotional is min(balance, position size); a zero size spends the whole balance.
func (p Params) entryNotional(balance decimal.Decimal) decimal.Decimal {
	if !p.PositionSizeUSD.IsPositive() || p.PositionSizeUSD.GreaterThan(balance) {
		return balance
	}
	return p.PositionSizeUSD
}

// stopWorstPrice is bid minus slippage, floored at the smallest tick.
func (p Params) stopWorstPrice(bid decimal.Decimal) decimal.Decimal {
	worst := bid.Sub(p.ExitSlippage)
	if worst.LessThan(core.DefaultTick) {
		return core.DefaultTick
	}
	return worst
}

// resolvedExit settles an expired binary market from its last bid.
func resolvedExit(bid decimal.Decimal) decimal.Decimal {
	if bid.GreaterThanOrEqual(half) {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}
