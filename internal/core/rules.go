package core

import (
	"github.com/shopspring/decimal"
)

var (
	one         = decimal.NewFromInt(1)
	hundredth   = decimal.RequireFromString("0.01")
	DefaultTick = hundredth
)

// ClampPrice snaps price down onto the tick grid and keeps it inside [tick, 1-tick].
// The caller is expected to have rejected prices outside (0, 1) already.
func ClampPrice(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		tick = DefaultTick
	}
	p := RoundDown(price, tick)
	if p.LessThan(tick) {
		p = tick
	}
	upper := one.Sub(tick)
	if p.GreaterThan(upper) {
		p = upper
	}
	return p
}

// InOpenUnit reports whether price lies strictly inside (0, 1).
func InOpenUnit(price decimal.Decimal) bool {
	return price.IsPositive() && price.LessThan(one)
}

// SharesForNotional is floor(notional / price * 100) / 100.
func SharesForNotional(notional, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !notional.IsPositive() {
		return decimal.Zero
	}
	return FloorShares(notional.Div(price))
}

// FloorShares truncates a share quantity to two decimals.
func FloorShares(qty decimal.Decimal) decimal.Decimal {
	return RoundDown(qty, hundredth)
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// SpreadWithin reports ask-bid <= max, boundary inclusive.
func SpreadWithin(ask, bid, maxSpread decimal.Decimal) bool {
	if !ask.IsPositive() || !bid.IsPositive() {
		return false
	}
	return ask.Sub(bid).LessThanOrEqual(maxSpread)
}

// StopTriggered reports bid <= stop, boundary inclusive.
func StopTriggered(bid, stop decimal.Decimal) bool {
	if !bid.IsPositive() {
		return false
	}
	return bid.LessThanOrEqual(stop)
}

// RealSpread is false for empty or placeholder books (0.01/0.99 style).
func RealSpread(bid, ask decimal.Decimal) bool {
	if !bid.IsPositive() || !ask.IsPositive() {
		return false
	}
	if ask.GreaterThanOrEqual(one) || bid.GreaterThanOrEqual(ask) {
		return false
	}
	return ask.Sub(bid).LessThan(decimal.RequireFromString("0.98"))
}

func PnL(exitPrice, shares, cost decimal.Decimal) decimal.Decimal {
	return exitPrice.Mul(shares).Sub(cost)
}
