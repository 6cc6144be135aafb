package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	mu sync.Mutex

	tokenBalance decimal.Decimal
	balanceErr   error
	book         core.OrderBook
	bookErr      error
	bookCalls    int

	marketErrs []error
	limitErr   error
	placed     []core.OrderRequest

	fillStatus core.OrderStatus
	fillSize   decimal.Decimal
	fillPrice  decimal.Decimal
	getCalls   int

	cancelErr error
	cancelled []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		tokenBalance: d("100"),
		book: core.OrderBook{
			MinSize:  d("5"),
			TickSize: d("0.01"),
		},
		fillStatus: core.OrderMatched,
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Balance(context.Context) (decimal.Decimal, error) {
	return d("1000"), nil
}

func (f *fakeExchange) TokenBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenBalance, f.balanceErr
}

func (f *fakeExchange) OrderBook(_ context.Context, tokenID string) (core.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls++
	if f.bookErr != nil {
		return core.OrderBook{}, f.bookErr
	}
	book := f.book
	book.TokenID = tokenID
	return book, nil
}

func (f *fakeExchange) PlaceLimitOrder(_ context.Context, req core.OrderRequest) (core.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.limitErr != nil {
		return core.OrderAck{}, f.limitErr
	}
	return core.OrderAck{OrderID: "ord-" + strconv.Itoa(len(f.placed)), Status: core.OrderLive}, nil
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, req core.OrderRequest) (core.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if len(f.marketErrs) > 0 {
		err := f.marketErrs[0]
		f.marketErrs = f.marketErrs[1:]
		if err != nil {
			return core.OrderAck{}, err
		}
	}
	return core.OrderAck{OrderID: "ord-" + strconv.Itoa(len(f.placed)), Status: core.OrderLive}, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, orderID string) (core.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	last := f.placed[len(f.placed)-1]
	size := f.fillSize
	if size.IsZero() && f.fillStatus == core.OrderMatched {
		size = last.Size
	}
	price := f.fillPrice
	if price.IsZero() {
		price = last.Price
	}
	return core.OrderState{
		OrderID:      orderID,
		TokenID:      last.TokenID,
		Side:         last.Side,
		Status:       f.fillStatus,
		Price:        price,
		OriginalSize: last.Size,
		SizeMatched:  size,
	}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelErr
}

func (f *fakeExchange) CancelToken(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeExchange) CancelAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeExchange) orders() []core.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.OrderRequest, len(f.placed))
	copy(out, f.placed)
	return out
}

func fastOptions() Options {
	return Options{
		SellMaxAttempts:  3,
		RetryBase:        time.Millisecond,
		RetryMax:         2 * time.Millisecond,
		FillPollInterval: time.Millisecond,
		FillTimeout:      10 * time.Millisecond,
	}
}

func newTestExecutor(ex *fakeExchange) *Executor {
	return New(ex, NewRulesCache(ex, time.Minute, d("5")), fastOptions())
}

func TestBuySizesSharesFromNotional(t *testing.T) {
	ex := newFakeExchange()
	res, err := newTestExecutor(ex).Buy(context.Background(), BuyRequest{TokenID: "tok", Price: d("0.20"), Notional: d("10")})
	if err != nil {
		t.Fatalf("Buy() error = %v", err)
	}
	if !res.Shares.Equal(d("50")) || !res.Price.Equal(d("0.20")) {
		t.Fatalf("Buy() = %s @ %s, want 50 @ 0.20", res.Shares, res.Price)
	}
	orders := ex.orders()
	if len(orders) != 1 || orders[0].Type != core.GTC || orders[0].Side != core.Buy {
		t.Fatalf("placed = %+v, want one GTC buy", orders)
	}
}

func TestBuyFloorsSharesAtNonExactBoundary(t *testing.T) {
	ex := newFakeExchange()
	ex.book.MinSize = d("1")
	res, err := newTestExecutor(ex).Buy(context.Background(), BuyRequest{TokenID: "tok", Price: d("0.33"), Notional: d("1")})
	if err != nil {
		t.Fatalf("Buy() error = %v", err)
	}
	if !res.Shares.Equal(d("3.03")) {
		t.Fatalf("Buy() shares = %s, want 3.03", res.Shares)
	}
}

func TestBuyBelowMinimumReportsNeededUSD(t *testing.T) {
	ex := newFakeExchange()
	_, err := newTestExecutor(ex).Buy(context.Background(), BuyRequest{TokenID: "tok", Price: d("0.20"), Notional: d("0.50")})
	var minErr *MinSizeError
	if !errors.As(err, &minErr) {
		t.Fatalf("Buy() error = %v, want MinSizeError", err)
	}
	if !minErr.NeededUSD.Equal(d("1")) {
		t.Fatalf("NeededUSD = %s, want 1", minErr.NeededUSD)
	}
	if core.KindOf(err) != core.KindValidation || !errors.Is(err, core.ErrBelowMinSize) {
		t.Fatalf("Buy() error kind = %s, want validation below-min", core.KindOf(err))
	}
	if len(ex.orders()) != 0 {
		t.Fatalf("placed %d orders, want none", len(ex.orders()))
	}
}

func TestBuyRejectsPriceOutsideUnitInterval(t *testing.T) {
	for _, p := range []string{"0", "1", "1.2"} {
		_, err := newTestExecutor(newFakeExchange()).Buy(context.Background(), BuyRequest{TokenID: "tok", Price: d(p), Notional: d("10")})
		if !errors.Is(err, core.ErrInvalidPrice) || core.KindOf(err) != core.KindValidation {
			t.Fatalf("Buy(price=%s) error = %v, want validation invalid price", p, err)
		}
	}
}

func TestBuyExchangeRejectionIsNotRetried(t *testing.T) {
	ex := newFakeExchange()
	ex.limitErr = errors.Join(errors.New("api"), core.ErrInsufficientBalance)
	_, err := newTestExecutor(ex).Buy(context.Background(), BuyRequest{TokenID: "tok", Price: d("0.5"), Notional: d("10")})
	if err == nil || core.IsTransient(err) {
		t.Fatalf("Buy() error = %v, want non-transient failure", err)
	}
	if len(ex.orders()) != 1 {
		t.Fatalf("placed %d orders, want exactly 1", len(ex.orders()))
	}
}

func TestBuyTickRejectionRefetchesRules(t *testing.T) {
	ex := newFakeExchange()
	exec := newTestExecutor(ex)
	ex.limitErr = errors.Join(errors.New("invalid tick size"), core.ErrInvalidPrice)
	if _, err := exec.Buy(context.Background(), BuyRequest{TokenID: "tok", Price: d("0.5"), Notional: d("10")}); !errors.Is(err, core.ErrInvalidPrice) {
		t.Fatalf("Buy() error = %v, want invalid price", err)
	}
	ex.mu.Lock()
	ex.limitErr = nil
	ex.book.TickSize = d("0.001")
	ex.mu.Unlock()

	if _, err := exec.Buy(context.Background(), BuyRequest{TokenID: "tok", Price: d("0.5"), Notional: d("10")}); err != nil {
		t.Fatalf("second Buy() error = %v", err)
	}
	if ex.bookCalls != 2 {
		t.Fatalf("book calls = %d, want rules refetched after tick rejection", ex.bookCalls)
	}
	if r := exec.Rules(context.Background(), "tok"); !r.TickSize.Equal(d("0.001")) {
		t.Fatalf("Rules() tick = %s, want 0.001", r.TickSize)
	}
}

func TestSellRetriesTickRejectionWithFreshRules(t *testing.T) {
	ex := newFakeExchange()
	ex.marketErrs = []error{errors.Join(errors.New("invalid tick size"), core.ErrInvalidPrice)}
	res, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("0.40")})
	if err != nil {
		t.Fatalf("Sell() error = %v", err)
	}
	if res.Attempts != 2 || !res.Full {
		t.Fatalf("Sell() = %+v, want full fill on attempt 2", res)
	}
	if ex.bookCalls != 2 {
		t.Fatalf("book calls = %d, want 2", ex.bookCalls)
	}
}

func TestSellClampsToExchangeBalance(t *testing.T) {
	ex := newFakeExchange()
	ex.tokenBalance = d("10")
	res, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("12"), Price: d("0.55")})
	if err != nil {
		t.Fatalf("Sell() error = %v", err)
	}
	orders := ex.orders()
	if len(orders) != 1 || !orders[0].Size.Equal(d("10")) {
		t.Fatalf("placed = %+v, want one order for 10", orders)
	}
	if orders[0].Type != core.FOK {
		t.Fatalf("first attempt type = %s, want FOK", orders[0].Type)
	}
	if !res.Shares.Equal(d("10")) || !res.Full || res.Attempts != 1 {
		t.Fatalf("Sell() = %+v, want 10 shares full fill on attempt 1", res)
	}
}

func TestSellEscalatesToFAKAfterKilledFOK(t *testing.T) {
	ex := newFakeExchange()
	ex.marketErrs = []error{errors.Join(errors.New("fok killed"), core.ErrNoFill)}
	res, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("0.40")})
	if err != nil {
		t.Fatalf("Sell() error = %v", err)
	}
	orders := ex.orders()
	if len(orders) != 2 || orders[0].Type != core.FOK || orders[1].Type != core.FAK {
		t.Fatalf("order types = %+v, want FOK then FAK", orders)
	}
	if res.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestSellRetriesBalanceRaceThenFails(t *testing.T) {
	ex := newFakeExchange()
	race := errors.Join(errors.New("api"), core.ErrInsufficientBalance)
	ex.marketErrs = []error{race, race, race}
	res, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("0.40")})
	if !core.IsTransient(err) || !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("Sell() error = %v, want transient balance error after exhaustion", err)
	}
	if res.Attempts != 3 || len(ex.orders()) != 3 {
		t.Fatalf("attempts = %d orders = %d, want 3/3", res.Attempts, len(ex.orders()))
	}
}

func TestSellDoesNotRetryRejection(t *testing.T) {
	ex := newFakeExchange()
	ex.marketErrs = []error{errors.Join(errors.New("api"), core.ErrOrderRejected)}
	_, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("0.40")})
	if core.KindOf(err) != core.KindValidation {
		t.Fatalf("Sell() error = %v, want validation", err)
	}
	if len(ex.orders()) != 1 {
		t.Fatalf("placed %d orders, want 1", len(ex.orders()))
	}
}

func TestSellBalanceBelowMinimumFailsWithoutOrder(t *testing.T) {
	ex := newFakeExchange()
	ex.tokenBalance = d("4.99")
	res, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("0.40")})
	if !errors.Is(err, core.ErrBelowMinSize) || core.KindOf(err) != core.KindValidation {
		t.Fatalf("Sell() error = %v, want validation below-min", err)
	}
	if res.Attempts != 1 || len(ex.orders()) != 0 {
		t.Fatalf("attempts = %d orders = %d, want 1/0", res.Attempts, len(ex.orders()))
	}
}

func TestSellNoFillCancelsAndRetries(t *testing.T) {
	ex := newFakeExchange()
	ex.fillStatus = core.OrderLive
	_, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("0.40")})
	if !errors.Is(err, core.ErrNoFill) || !core.IsTransient(err) {
		t.Fatalf("Sell() error = %v, want transient no-fill", err)
	}
	ex.mu.Lock()
	cancelled := len(ex.cancelled)
	ex.mu.Unlock()
	if cancelled != 3 {
		t.Fatalf("cancelled %d orders, want 3", cancelled)
	}
}

func TestSellPartialFillReportsNotFull(t *testing.T) {
	ex := newFakeExchange()
	ex.fillStatus = core.OrderCancelled
	ex.fillSize = d("7")
	res, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("0.40")})
	if err != nil {
		t.Fatalf("Sell() error = %v", err)
	}
	if res.Full || !res.Shares.Equal(d("7")) {
		t.Fatalf("Sell() = %+v, want partial 7", res)
	}
}

func TestSellClampsWorstPriceIntoTickBounds(t *testing.T) {
	ex := newFakeExchange()
	if _, err := newTestExecutor(ex).Sell(context.Background(), SellRequest{TokenID: "tok", Shares: d("20"), Price: d("-0.02")}); err != nil {
		t.Fatalf("Sell() error = %v", err)
	}
	if got := ex.orders()[0].Price; !got.Equal(d("0.01")) {
		t.Fatalf("order price = %s, want 0.01", got)
	}
}

func TestLimitSellPlacesRestingOrderWithoutPolling(t *testing.T) {
	ex := newFakeExchange()
	ex.tokenBalance = d("8")
	res, err := newTestExecutor(ex).LimitSell(context.Background(), SellRequest{TokenID: "tok", Shares: d("10"), Price: d("0.957")})
	if err != nil {
		t.Fatalf("LimitSell() error = %v", err)
	}
	orders := ex.orders()
	if len(orders) != 1 || orders[0].Type != core.GTC || !orders[0].Price.Equal(d("0.95")) || !orders[0].Size.Equal(d("8")) {
		t.Fatalf("placed = %+v, want GTC 8 @ 0.95", orders)
	}
	if res.Full || res.OrderID == "" {
		t.Fatalf("LimitSell() = %+v, want resting order", res)
	}
	ex.mu.Lock()
	polls := ex.getCalls
	ex.mu.Unlock()
	if polls != 0 {
		t.Fatalf("GetOrder calls = %d, want 0", polls)
	}
}

func TestCancelTreatsNotFoundAsSuccess(t *testing.T) {
	ex := newFakeExchange()
	ex.cancelErr = fmt.Errorf("cancel: %w", core.ErrOrderNotFound)
	exec := newTestExecutor(ex)
	if err := exec.Cancel(context.Background(), "gone"); err != nil {
		t.Fatalf("Cancel() error = %v, want nil", err)
	}
	if err := exec.CancelToken(context.Background(), "tok"); err != nil {
		t.Fatalf("CancelToken() error = %v, want nil", err)
	}
	if err := exec.CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll() error = %v, want nil", err)
	}
	ex.cancelErr = core.ErrExchangeUnavailable
	if err := exec.Cancel(context.Background(), "x"); err == nil {
		t.Fatalf("Cancel() error = nil, want exchange failure")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	e := New(newFakeExchange(), nil, Options{RetryBase: 100 * time.Millisecond, RetryMax: 350 * time.Millisecond})
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		if got := e.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestRulesCacheServesWithinTTLAndCachesFallback(t *testing.T) {
	ex := newFakeExchange()
	cache := NewRulesCache(ex, time.Minute, d("5"))
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }

	r := cache.Get(context.Background(), "tok")
	if r.Fallback || !r.MinSize.Equal(d("5")) {
		t.Fatalf("Get() = %+v, want fetched rules", r)
	}
	cache.Get(context.Background(), "tok")
	if ex.bookCalls != 1 {
		t.Fatalf("book calls = %d, want 1 within ttl", ex.bookCalls)
	}

	ex.bookErr = errors.New("boom")
	now = now.Add(2 * time.Minute)
	r = cache.Get(context.Background(), "tok")
	if !r.Fallback || !r.TickSize.Equal(core.DefaultTick) || !r.MinSize.Equal(d("5")) {
		t.Fatalf("Get() after failure = %+v, want fallback 5/0.01", r)
	}
	cache.Get(context.Background(), "tok")
	if ex.bookCalls != 2 {
		t.Fatalf("book calls = %d, want fallback cached", ex.bookCalls)
	}
}

func TestRulesCacheFallsBackOnInvalidBookRules(t *testing.T) {
	ex := newFakeExchange()
	ex.book.TickSize = decimal.Zero
	r := NewRulesCache(ex, time.Minute, d("5")).Get(context.Background(), "tok")
	if !r.Fallback {
		t.Fatalf("Get() = %+v, want fallback for zero tick", r)
	}
}
