package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
	"updown-trader/internal/exchange"
)

type Options struct {
	SellMaxAttempts  int
	RetryBase        time.Duration
	RetryMax         time.Duration
	FillPollInterval time.Duration
	FillTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.SellMaxAttempts <= 0 {
		o.SellMaxAttempts = 4
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = o.RetryBase
	}
	if o.FillPollInterval <= 0 {
		o.FillPollInterval = 250 * time.Millisecond
	}
	if o.FillTimeout < o.FillPollInterval {
		o.FillTimeout = o.FillPollInterval
	}
	return o
}

// Executor places orders against the exchange. It owns the rules cache.
type Executor struct {
	client exchange.Client
	rules  *RulesCache
	opts   Options
}

func New(client exchange.Client, rules *RulesCache, opts Options) *Executor {
	if rules == nil {
		rules = NewRulesCache(client, 0, decimal.Zero)
	}
	return &Executor{client: client, rules: rules, opts: opts.withDefaults()}
}

func (e *Executor) Rules(ctx context.Context, tokenID string) core.Rules {
	return e.rules.Get(ctx, tokenID)
}

type BuyRequest struct {
	TokenID  string
	Price    decimal.Decimal
	Notional decimal.Decimal
}

type BuyResult struct {
	OrderID string
	Shares  decimal.Decimal
	Price   decimal.Decimal
}

type SellRequest struct {
	TokenID string
	Shares  decimal.Decimal
	Price   decimal.Decimal
}

type SellResult struct {
	OrderID  string
	Shares   decimal.Decimal
	Price    decimal.Decimal
	Full     bool
	Attempts int
}

// MinSizeError reports an order that would fall below the token's minimum size.
type MinSizeError struct {
	TokenID   string
	Shares    decimal.Decimal
	MinSize   decimal.Decimal
	NeededUSD decimal.Decimal
}

func (e *MinSizeError) Error() string {
	if e.NeededUSD.IsPositive() {
		return fmt.Sprintf("%s: %s shares below minimum %s (need $%s)", e.TokenID, e.Shares, e.MinSize, e.NeededUSD.StringFixed(2))
	}
	return fmt.Sprintf("%s: %s shares below minimum %s", e.TokenID, e.Shares, e.MinSize)
}

func (e *MinSizeError) Unwrap() error { return core.ErrBelowMinSize }

// Buy places a GTC limit buy sized from the notional. Rejections are not retried.
func (e *Executor) Buy(ctx context.Context, req BuyRequest) (BuyResult, error) {
	if req.TokenID == "" {
		return BuyResult{}, core.Validation("buy", errors.New("token id required"))
	}
	if !core.InOpenUnit(req.Price) {
		return BuyResult{}, core.Validationf("buy", core.ErrInvalidPrice, "price %s outside (0, 1)", req.Price)
	}
	rules := e.rules.Get(ctx, req.TokenID)
	price := core.ClampPrice(req.Price, rules.TickSize)
	shares := core.SharesForNotional(req.Notional, price)
	if !shares.IsPositive() || shares.LessThan(rules.MinSize) {
		return BuyResult{}, core.Validation("buy", &MinSizeError{
			TokenID:   req.TokenID,
			Shares:    shares,
			MinSize:   rules.MinSize,
			NeededUSD: rules.MinSize.Mul(price),
		})
	}
	ack, err := e.client.PlaceLimitOrder(ctx, core.OrderRequest{
		TokenID: req.TokenID,
		Side:    core.Buy,
		Type:    core.GTC,
		Price:   price,
		Size:    shares,
	})
	if err != nil {
		e.dropStaleRules(req.TokenID, err)
		if core.IsFatal(err) {
			return BuyResult{}, err
		}
		return BuyResult{}, core.Validation("buy", err)
	}
	log.Printf("level=INFO event=buy_placed token=%q order_id=%q price=%s shares=%s", req.TokenID, ack.OrderID, price, shares)
	return BuyResult{OrderID: ack.OrderID, Shares: shares, Price: price}, nil
}

// Sell is the urgent exit: FOK first, FAK afterwards, with the sold quantity
// clamped to the exchange-held balance on every attempt.
func (e *Executor) Sell(ctx context.Context, req SellRequest) (SellResult, error) {
	return e.retrySell(ctx, "sell", req, e.sellAttempt)
}

// LimitSell rests a GTC sell at the target price. It does not wait for a fill.
func (e *Executor) LimitSell(ctx context.Context, req SellRequest) (SellResult, error) {
	return e.retrySell(ctx, "limit sell", req, e.limitSellAttempt)
}

type sellAttemptFunc func(ctx context.Context, req SellRequest, attempt int) (SellResult, error)

func (e *Executor) retrySell(ctx context.Context, op string, req SellRequest, attemptFn sellAttemptFunc) (SellResult, error) {
	if req.TokenID == "" {
		return SellResult{}, core.Validation(op, errors.New("token id required"))
	}
	var lastErr error
	for attempt := 1; attempt <= e.opts.SellMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, e.backoff(attempt-1)); err != nil {
				return SellResult{Attempts: attempt - 1}, core.Transient(op, fmt.Errorf("%w (last error: %v)", err, lastErr))
			}
		}
		res, err := attemptFn(ctx, req, attempt)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err
		if !core.IsTransient(err) {
			log.Printf("level=ERROR event=%s_failed token=%q attempt=%d kind=%s err=%q", eventName(op), req.TokenID, attempt, core.KindOf(err), err.Error())
			return SellResult{Attempts: attempt}, err
		}
		log.Printf("level=WARN event=%s_retry token=%q attempt=%d max_attempts=%d err=%q", eventName(op), req.TokenID, attempt, e.opts.SellMaxAttempts, err.Error())
	}
	return SellResult{Attempts: e.opts.SellMaxAttempts}, core.Transient(op, fmt.Errorf("gave up after %d attempts: %w", e.opts.SellMaxAttempts, lastErr))
}

// backoff is retry_base * 2^(n-1), capped at retry_max.
func (e *Executor) backoff(n int) time.Duration {
	d := e.opts.RetryBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.opts.RetryMax {
			return e.opts.RetryMax
		}
	}
	if d > e.opts.RetryMax {
		return e.opts.RetryMax
	}
	return d
}

// sellQuantity re-reads the exchange balance and returns the quantity that may be sold.
func (e *Executor) sellQuantity(ctx context.Context, req SellRequest) (decimal.Decimal, core.Rules, error) {
	rules := e.rules.Get(ctx, req.TokenID)
	balance, err := e.client.TokenBalance(ctx, req.TokenID)
	if err != nil {
		return decimal.Zero, rules, fmt.Errorf("token balance: %w", err)
	}
	qty := req.Shares
	if balance.LessThan(qty) {
		if qty.IsPositive() {
			log.Printf("level=WARN event=sell_clamped_to_balance token=%q requested=%s balance=%s", req.TokenID, req.Shares, balance)
		}
		qty = balance
	}
	qty = core.FloorShares(qty)
	if !qty.IsPositive() || qty.LessThan(rules.MinSize) {
		return decimal.Zero, rules, core.Validation("sell", &MinSizeError{
			TokenID: req.TokenID,
			Shares:  qty,
			MinSize: rules.MinSize,
		})
	}
	return qty, rules, nil
}

func (e *Executor) sellAttempt(ctx context.Context, req SellRequest, attempt int) (SellResult, error) {
	qty, rules, err := e.sellQuantity(ctx, req)
	if err != nil {
		return SellResult{}, err
	}
	orderType := core.FOK
	if attempt > 1 {
		orderType = core.FAK
	}
	price := core.ClampPrice(req.Price, rules.TickSize)
	ack, err := e.client.PlaceMarketOrder(ctx, core.OrderRequest{
		TokenID: req.TokenID,
		Side:    core.Sell,
		Type:    orderType,
		Price:   price,
		Size:    qty,
	})
	if err != nil {
		if e.dropStaleRules(req.TokenID, err) {
			// Retry against the refetched tick.
			return SellResult{}, core.Transient("sell", fmt.Errorf("%s order: %w", orderType, err))
		}
		return SellResult{}, fmt.Errorf("%s order: %w", orderType, err)
	}
	state, err := e.awaitFill(ctx, ack.OrderID)
	if err != nil {
		e.cancelQuietly(ctx, ack.OrderID)
		return SellResult{}, err
	}
	filled := state.SizeMatched
	if !filled.IsPositive() {
		filled = qty
	}
	execPrice := state.Price
	if !execPrice.IsPositive() {
		execPrice = price
	}
	return SellResult{
		OrderID: ack.OrderID,
		Shares:  filled,
		Price:   execPrice,
		Full:    filled.GreaterThanOrEqual(qty),
	}, nil
}

func (e *Executor) limitSellAttempt(ctx context.Context, req SellRequest, _ int) (SellResult, error) {
	if !core.InOpenUnit(req.Price) {
		return SellResult{}, core.Validationf("limit sell", core.ErrInvalidPrice, "price %s outside (0, 1)", req.Price)
	}
	qty, rules, err := e.sellQuantity(ctx, req)
	if err != nil {
		return SellResult{}, err
	}
	price := core.ClampPrice(req.Price, rules.TickSize)
	ack, err := e.client.PlaceLimitOrder(ctx, core.OrderRequest{
		TokenID: req.TokenID,
		Side:    core.Sell,
		Type:    core.GTC,
		Price:   price,
		Size:    qty,
	})
	if err != nil {
		e.dropStaleRules(req.TokenID, err)
		return SellResult{}, fmt.Errorf("GTC order: %w", err)
	}
	return SellResult{OrderID: ack.OrderID, Shares: qty, Price: price}, nil
}

// dropStaleRules forgets the cached rules of a token whose order was rejected
// for its price increment and reports whether it did.
func (e *Executor) dropStaleRules(tokenID string, err error) bool {
	if !errors.Is(err, core.ErrInvalidPrice) {
		return false
	}
	log.Printf("level=WARN event=rules_invalidated token=%q err=%q", tokenID, err.Error())
	e.rules.Invalidate(tokenID)
	return true
}

// awaitFill polls the order until it shows a fill, is killed, or the fill timeout passes.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (core.OrderState, error) {
	timeout := time.NewTimer(e.opts.FillTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(e.opts.FillPollInterval)
	defer ticker.Stop()

	var last core.OrderState
	for {
		state, err := e.client.GetOrder(ctx, orderID)
		switch {
		case err == nil:
			last = state
			if state.Status == core.OrderMatched || (state.Filled() && state.Status != core.OrderLive && state.Status != core.OrderDelayed) {
				return state, nil
			}
			if state.Status == core.OrderCancelled || state.Status == core.OrderUnmatched {
				return state, core.Transient("await fill", fmt.Errorf("order %s %s: %w", orderID, state.Status, core.ErrNoFill))
			}
		case core.IsFatal(err):
			return core.OrderState{}, err
		default:
			log.Printf("level=WARN event=fill_poll_failed order_id=%q err=%q", orderID, err.Error())
		}

		select {
		case <-ctx.Done():
			return core.OrderState{}, ctx.Err()
		case <-timeout.C:
			if last.SizeMatched.IsPositive() {
				return last, nil
			}
			return core.OrderState{}, core.Transient("await fill", fmt.Errorf("order %s after %s: %w", orderID, e.opts.FillTimeout, core.ErrNoFill))
		case <-ticker.C:
		}
	}
}

func (e *Executor) cancelQuietly(ctx context.Context, orderID string) {
	if orderID == "" {
		return
	}
	if err := e.Cancel(ctx, orderID); err != nil {
		log.Printf("level=WARN event=cancel_after_no_fill_failed order_id=%q err=%q", orderID, err.Error())
	}
}

// Cancel is best-effort. An order that is already gone counts as cancelled.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	return ignoreNotFound(e.client.CancelOrder(ctx, orderID))
}

func (e *Executor) CancelToken(ctx context.Context, tokenID string) error {
	return ignoreNotFound(e.client.CancelToken(ctx, tokenID))
}

func (e *Executor) CancelAll(ctx context.Context) error {
	return ignoreNotFound(e.client.CancelAll(ctx))
}

func ignoreNotFound(err error) error {
	if err == nil || errors.Is(err, core.ErrOrderNotFound) {
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func eventName(op string) string {
	if op == "limit sell" {
		return "limit_sell"
	}
	return op
}
