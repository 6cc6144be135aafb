package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
	"updown-trader/internal/executor"
	"updown-trader/internal/ledger"
	"updown-trader/internal/store"
	"updown-trader/internal/stream"
)

var ErrAlreadyStarted = errors.New("engine already started")

type Account interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error)
	OrderBook(ctx context.Context, tokenID string) (core.OrderBook, error)
}

type Orders interface {
	Buy(ctx context.Context, req executor.BuyRequest) (executor.BuyResult, error)
	Sell(ctx context.Context, req executor.SellRequest) (executor.SellResult, error)
	Rules(ctx context.Context, tokenID string) core.Rules
}

type Ledger interface {
	Create(ctx context.Context, in ledger.NewTrade) (core.Trade, error)
	CloseTrade(ctx context.Context, id string, exitPrice decimal.Decimal, status core.TradeStatus) (core.Trade, error)
	ListOpen(ctx context.Context) ([]core.Trade, error)
	ListClosedSince(ctx context.Context, since time.Time) ([]core.Trade, error)
}

type PriceFeed interface {
	State() stream.State
	Snapshot(tokenID string) (core.Snapshot, bool)
	Subscribe(ids ...string) error
	Unsubscribe(ids ...string)
	Updates() <-chan core.Snapshot
	Reconnects() int64
	Dropped() int64
}

type MarketLister interface {
	Markets(ctx context.Context) ([]core.Market, error)
}

type Alerts interface {
	Important(event string, fields map[string]string)
	ImportantOnce(key, event string, fields map[string]string)
	Forget(key string)
}

// EntryGate decides whether new entries may be placed. Exits never consult it.
type EntryGate interface {
	AllowEntry() error
	RecordEntry(err error) error
	State() string
}

type StatusSink interface {
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

// Deps are the manager's collaborators. Alerts, Gate and Status are optional.
type Deps struct {
	Account Account
	Orders  Orders
	Ledger  Ledger
	Feed    PriceFeed
	Markets MarketLister
	Alerts  Alerts
	Gate    EntryGate
	Status  StatusSink
}

type position struct {
	trade   core.Trade
	shares  decimal.Decimal
	lastBid decimal.Decimal

	// sold and proceeds accumulate partial stop fills until the trade closes.
	sold     decimal.Decimal
	proceeds decimal.Decimal
}

// exitPrice folds earlier partial fills into the price of the closing leg, so
// exit*shares-cost in the ledger equals the realized result of every fill.
func (p position) exitPrice(last decimal.Decimal) decimal.Decimal {
	if p.sold.IsZero() || !p.trade.Shares.IsPositive() {
		return last
	}
	rest := p.trade.Shares.Sub(p.sold)
	if rest.IsNegative() {
		rest = decimal.Zero
	}
	return p.proceeds.Add(last.Mul(rest)).Div(p.trade.Shares)
}

// Manager owns the open position map and is the only ledger writer.
type Manager struct {
	p      Params
	deps   Deps
	now    func() time.Time
	phases *phases

	mu        sync.RWMutex
	positions map[string]*position
	watched   map[string]time.Time
	blocked   map[string]time.Time
	balance   decimal.Decimal
	state     string
	lastErr   string
	lastTick  time.Time

	trading     atomic.Bool
	disableOnce sync.Once

	lifeMu    sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	actions   sync.WaitGroup
}

func New(deps Deps, p Params) (*Manager, error) {
	if deps.Account == nil || deps.Orders == nil || deps.Ledger == nil || deps.Feed == nil || deps.Markets == nil {
		return nil, errors.New("engine: account, orders, ledger, feed and markets are required")
	}
	p = p.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	if deps.Alerts == nil {
		deps.Alerts = nopAlerts{}
	}
	if deps.Gate == nil {
		deps.Gate = openGate{}
	}
	m := &Manager{
		p:         p,
		deps:      deps,
		now:       time.Now,
		phases:    newPhases(),
		positions: make(map[string]*position),
		watched:   make(map[string]time.Time),
		blocked:   make(map[string]time.Time),
		state:     "starting",
	}
	m.trading.Store(p.TradingEnabled)
	return m, nil
}

// Start recovers open trades from the ledger, subscribes their tokens and
// launches the driver. It runs one tick immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.started || m.stopped {
		return ErrAlreadyStarted
	}
	if err := m.recoverOpen(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.started = true
	m.startedAt = m.now().UTC()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.setState("running")
	if !m.tradingEnabled() {
		log.Printf("level=WARN event=trading_disabled reason=%q", "no trading credentials")
		m.setState("view_only")
	}
	go m.run(runCtx)
	return nil
}

// Stop halts the driver and waits for it. Actions already in flight finish on
// their own detached context. Calling Stop more than once is a no-op.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.lifeMu.Lock()
		m.stopped = true
		cancel, done := m.cancel, m.done
		m.lifeMu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
		m.actions.Wait()
		m.setState("stopped")
		m.persistStatus()
		log.Printf("level=INFO event=engine_stopped open_positions=%d", len(m.openPositions()))
	})
}

func (m *Manager) recoverOpen(ctx context.Context) error {
	open, err := m.deps.Ledger.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	ids := make([]string, 0, len(open))
	m.mu.Lock()
	for _, t := range open {
		m.positions[t.TokenID] = &position{trade: t, shares: t.Shares}
		ids = append(ids, t.TokenID)
	}
	m.mu.Unlock()
	if len(ids) > 0 {
		if err := m.deps.Feed.Subscribe(ids...); err != nil {
			log.Printf("level=WARN event=recover_subscribe_failed ids=%d err=%q", len(ids), err.Error())
		}
	}
	log.Printf("level=INFO event=engine_recovered open_positions=%d", len(ids))
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	m.tick(ctx)
	ticker := time.NewTicker(m.p.TickInterval)
	defer ticker.Stop()

	var reconcileC, heartbeatC <-chan time.Time
	if m.p.ReconcileInterval > 0 {
		t := time.NewTicker(m.p.ReconcileInterval)
		defer t.Stop()
		reconcileC = t.C
	}
	if m.p.Heartbeat > 0 {
		t := time.NewTicker(m.p.Heartbeat)
		defer t.Stop()
		heartbeatC = t.C
	}
	updates := m.deps.Feed.Updates()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		case snap := <-updates:
			m.onSnapshot(ctx, snap)
		case <-reconcileC:
			m.reconcile(ctx)
		case <-heartbeatC:
			m.heartbeat()
		}
	}
}

// actionContext survives Stop so a submitted order is followed through, but is
// bounded by the action timeout.
func (m *Manager) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.p.ActionTimeout)
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	m.lastTick = m.now().UTC()
	m.mu.Unlock()

	balanceOK := false
	var balance decimal.Decimal
	if m.tradingEnabled() {
		b, err := m.deps.Account.Balance(ctx)
		if err != nil {
			m.noteErr("balance", err)
		} else {
			balance, balanceOK = b, true
			m.mu.Lock()
			m.balance = b
			m.mu.Unlock()
		}
	}

	m.checkStops(ctx)
	m.resolveExpired(ctx)
	if balanceOK {
		m.scanEntries(ctx, balance)
	}
	m.pruneWatched()
	m.persistStatus()
}

func (m *Manager) checkStops(ctx context.Context) {
	for _, pos := range m.openPositions() {
		if ctx.Err() != nil {
			return
		}
		tokenID := pos.trade.TokenID
		if m.phases.get(tokenID) != PhaseIdle {
			continue
		}
		bid, source, err := m.stopBid(ctx, tokenID)
		if err != nil {
			m.noteErr("stop_bid", err)
			continue
		}
		m.setLastBid(tokenID, bid)
		if !m.p.shouldStop(bid) {
			continue
		}
		log.Printf("level=INFO event=stop_triggered token=%q bid=%s stop=%s source=%s", tokenID, bid, m.p.StopLoss, source)
		m.exit(ctx, tokenID, bid)
	}
}

// onSnapshot runs the reactive stop check for a held token. The dequeued
// update only signals a change; the decision uses the feed's current quote,
// which must be fresh, since queued updates can lag behind a slow action.
func (m *Manager) onSnapshot(ctx context.Context, snap core.Snapshot) {
	tokenID := snap.TokenID
	if _, ok := m.position(tokenID); !ok {
		return
	}
	cur, ok := m.deps.Feed.Snapshot(tokenID)
	if !ok || !cur.BestBid.IsPositive() || cur.Age(m.now()) > m.p.StaleAfter {
		return
	}
	m.setLastBid(tokenID, cur.BestBid)
	if ctx.Err() != nil || !m.tradingEnabled() || m.deps.Feed.State() != stream.StateConnected {
		return
	}
	if !m.p.shouldStop(cur.BestBid) || m.phases.get(tokenID) != PhaseIdle {
		return
	}
	log.Printf("level=INFO event=stop_triggered token=%q bid=%s stop=%s source=stream_update", tokenID, cur.BestBid, m.p.StopLoss)
	m.actions.Add(1)
	go func() {
		defer m.actions.Done()
		m.exit(ctx, tokenID, cur.BestBid)
	}()
}

// stopBid is the freshest bid: the stream when connected and fresh, else REST.
func (m *Manager) stopBid(ctx context.Context, tokenID string) (decimal.Decimal, string, error) {
	if m.deps.Feed.State() == stream.StateConnected {
		if snap, ok := m.deps.Feed.Snapshot(tokenID); ok && snap.BestBid.IsPositive() && snap.Age(m.now()) <= m.p.StaleAfter {
			return snap.BestBid, "stream", nil
		}
	}
	book, err := m.deps.Account.OrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, "rest", err
	}
	return book.BestBid(), "rest", nil
}

// entryQuote prefers a fresh stream snapshot with a real spread, else the REST book.
func (m *Manager) entryQuote(ctx context.Context, tokenID string) (ask, bid decimal.Decimal, source string, err error) {
	if m.deps.Feed.State() == stream.StateConnected {
		if snap, ok := m.deps.Feed.Snapshot(tokenID); ok && snap.Age(m.now()) <= m.p.StaleAfter && core.RealSpread(snap.BestBid, snap.BestAsk) {
			return snap.BestAsk, snap.BestBid, "stream", nil
		}
	}
	book, err := m.deps.Account.OrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, decimal.Zero, "rest", err
	}
	return book.BestAsk(), book.BestBid(), "rest", nil
}

// exit is the urgent stop-loss sell. A partial fill keeps the position with
// the remaining shares; the next check clamps to the real balance.
func (m *Manager) exit(ctx context.Context, tokenID string, bid decimal.Decimal) {
	if !m.tradingEnabled() {
		log.Printf("level=WARN event=stop_ignored token=%q reason=%q", tokenID, "trading_disabled")
		return
	}
	if !m.phases.tryBegin(tokenID, PhaseExiting) {
		log.Printf("level=INFO event=exit_skipped token=%q reason=%q", tokenID, "busy")
		return
	}
	defer m.phases.finish(tokenID)
	pos, ok := m.position(tokenID)
	if !ok {
		return
	}

	actx, cancel := m.actionContext(ctx)
	defer cancel()
	res, err := m.deps.Orders.Sell(actx, executor.SellRequest{
		TokenID: tokenID,
		Shares:  pos.shares,
		Price:   m.p.stopWorstPrice(bid),
	})
	if err != nil {
		m.noteErr("stop_loss", err)
		log.Printf("level=ERROR event=stop_loss_failed token=%q trade_id=%q attempts=%d err=%q", tokenID, pos.trade.ID, res.Attempts, err.Error())
		m.deps.Alerts.Important("stop_loss_failed", map[string]string{
			"token":    tokenID,
			"trade_id": pos.trade.ID,
			"bid":      bid.String(),
			"shares":   pos.shares.String(),
			"error":    err.Error(),
		})
		return
	}
	if !res.Full {
		remaining := pos.shares.Sub(res.Shares)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		m.recordPartial(tokenID, res.Shares, res.Price, remaining)
		log.Printf("level=WARN event=stop_loss_partial token=%q sold=%s remaining=%s price=%s", tokenID, res.Shares, remaining, res.Price)
		m.deps.Alerts.Important("stop_loss_partial", map[string]string{
			"token":     tokenID,
			"sold":      res.Shares.String(),
			"remaining": remaining.String(),
		})
		return
	}
	_ = m.closePosition(actx, pos, res.Price, core.TradeStopped, "stop_loss")
}

func (m *Manager) resolveExpired(ctx context.Context) {
	now := m.now()
	for _, pos := range m.openPositions() {
		if ctx.Err() != nil {
			return
		}
		if now.Before(pos.trade.ExpiresAt.Add(m.p.ResolveGrace)) {
			continue
		}
		m.resolve(ctx, pos, "expired")
	}
}

// resolve settles an expired position in the ledger. No order is placed.
func (m *Manager) resolve(ctx context.Context, pos position, reason string) {
	tokenID := pos.trade.TokenID
	if !m.phases.tryBegin(tokenID, PhaseExiting) {
		return
	}
	defer m.phases.finish(tokenID)

	actx, cancel := m.actionContext(ctx)
	defer cancel()
	bid := m.lastKnownBid(actx, pos)
	_ = m.closePosition(actx, pos, resolvedExit(bid), core.TradeResolved, reason)
}

func (m *Manager) lastKnownBid(ctx context.Context, pos position) decimal.Decimal {
	tokenID := pos.trade.TokenID
	if snap, ok := m.deps.Feed.Snapshot(tokenID); ok {
		if snap.BestBid.IsPositive() {
			return snap.BestBid
		}
		if snap.LastTrade.IsPositive() {
			return snap.LastTrade
		}
	}
	if current, ok := m.position(tokenID); ok && current.lastBid.IsPositive() {
		return current.lastBid
	}
	book, err := m.deps.Account.OrderBook(ctx, tokenID)
	if err != nil {
		log.Printf("level=WARN event=resolve_bid_unavailable token=%q err=%q", tokenID, err.Error())
		return decimal.Zero
	}
	return book.BestBid()
}

// closePosition writes the terminal ledger state and drops the position.
// exitPrice prices the shares still held; earlier partial fills are blended in.
func (m *Manager) closePosition(ctx context.Context, pos position, exitPrice decimal.Decimal, status core.TradeStatus, reason string) error {
	tokenID := pos.trade.TokenID
	exitPrice = pos.exitPrice(exitPrice)
	closed, err := m.deps.Ledger.CloseTrade(ctx, pos.trade.ID, exitPrice, status)
	if errors.Is(err, ledger.ErrNotOpen) {
		log.Printf("level=WARN event=trade_already_closed trade_id=%q token=%q", pos.trade.ID, tokenID)
		m.dropPosition(tokenID)
		return nil
	}
	if err != nil {
		m.noteErr("ledger_close", err)
		log.Printf("level=ERROR event=ledger_close_failed trade_id=%q token=%q status=%s err=%q", pos.trade.ID, tokenID, status, err.Error())
		m.deps.Alerts.Important("ledger_close_failed", map[string]string{
			"trade_id": pos.trade.ID,
			"token":    tokenID,
			"error":    err.Error(),
		})
		return err
	}
	m.dropPosition(tokenID)

	pnl := ""
	if closed.PnL != nil {
		pnl = closed.PnL.StringFixed(4)
	}
	log.Printf("level=INFO event=trade_closed trade_id=%q token=%q status=%s reason=%s exit_price=%s pnl=%s",
		closed.ID, tokenID, status, reason, exitPrice, pnl)
	m.deps.Alerts.Important("trade_closed", map[string]string{
		"trade_id":   closed.ID,
		"token":      tokenID,
		"outcome":    closed.Outcome,
		"status":     string(status),
		"reason":     reason,
		"exit_price": exitPrice.String(),
		"pnl":        pnl,
	})
	return nil
}

func (m *Manager) scanEntries(ctx context.Context, balance decimal.Decimal) {
	if !m.tradingEnabled() || balance.LessThanOrEqual(m.p.MinBalanceUSD) {
		return
	}
	if err := m.deps.Gate.AllowEntry(); err != nil {
		return
	}
	markets, err := m.deps.Markets.Markets(ctx)
	if err != nil {
		m.noteErr("discovery", err)
		return
	}
	now := m.now()
	for _, mk := range markets {
		if ctx.Err() != nil || !m.tradingEnabled() {
			return
		}
		if !m.p.inWindow(mk, now) {
			continue
		}
		m.watch(mk)
		if m.marketHeld(mk) {
			continue
		}
		for _, tok := range mk.Tokens {
			if _, held := m.position(tok.ID); held {
				continue
			}
			ask, bid, source, err := m.entryQuote(ctx, tok.ID)
			if err != nil {
				m.noteErr("entry_quote", err)
				continue
			}
			if !m.p.shouldEnter(ask, bid) {
				continue
			}
			log.Printf("level=INFO event=entry_signal market=%q token=%q outcome=%q ask=%s bid=%s source=%s",
				mk.ID, tok.ID, tok.Outcome, ask, bid, source)
			entered, cost := m.enter(ctx, mk, tok, ask, balance)
			if entered {
				balance = balance.Sub(cost)
				break
			}
			if m.deps.Gate.AllowEntry() != nil {
				return
			}
		}
		if balance.LessThanOrEqual(m.p.MinBalanceUSD) {
			return
		}
	}
}

func (m *Manager) enter(ctx context.Context, mk core.Market, tok core.Token, ask, balance decimal.Decimal) (bool, decimal.Decimal) {
	if !m.phases.tryBegin(tok.ID, PhaseEntering) {
		return false, decimal.Zero
	}
	defer m.phases.finish(tok.ID)

	actx, cancel := m.actionContext(ctx)
	defer cancel()
	res, err := m.deps.Orders.Buy(actx, executor.BuyRequest{
		TokenID:  tok.ID,
		Price:    ask,
		Notional: m.p.entryNotional(balance),
	})
	if err != nil {
		var minErr *executor.MinSizeError
		if errors.As(err, &minErr) {
			log.Printf("level=INFO event=entry_skipped token=%q reason=%q need_usd=%s", tok.ID, "below_min_size", minErr.NeededUSD.StringFixed(2))
			return false, decimal.Zero
		}
		m.noteErr("entry", err)
		_ = m.deps.Gate.RecordEntry(err)
		log.Printf("level=ERROR event=entry_failed market=%q token=%q kind=%s err=%q", mk.ID, tok.ID, core.KindOf(err), err.Error())
		return false, decimal.Zero
	}
	_ = m.deps.Gate.RecordEntry(nil)

	cost := res.Shares.Mul(res.Price)
	trade, err := m.deps.Ledger.Create(actx, ledger.NewTrade{
		MarketID:   mk.ID,
		TokenID:    tok.ID,
		Outcome:    tok.Outcome,
		EntryPrice: res.Price,
		Shares:     res.Shares,
		Cost:       cost,
		ExpiresAt:  mk.EndTime,
	})
	if err != nil {
		m.noteErr("ledger_create", err)
		m.block(mk)
		log.Printf("level=ERROR event=ledger_create_failed market=%q token=%q order_id=%q err=%q", mk.ID, tok.ID, res.OrderID, err.Error())
		m.deps.Alerts.Important("entry_unrecorded", map[string]string{
			"market":   mk.ID,
			"token":    tok.ID,
			"order_id": res.OrderID,
			"shares":   res.Shares.String(),
			"error":    err.Error(),
		})
		return true, cost
	}

	m.mu.Lock()
	m.positions[tok.ID] = &position{trade: trade, shares: trade.Shares}
	m.mu.Unlock()
	if err := m.deps.Feed.Subscribe(tok.ID); err != nil {
		log.Printf("level=WARN event=subscribe_failed token=%q err=%q", tok.ID, err.Error())
	}
	log.Printf("level=INFO event=trade_opened trade_id=%q market=%q token=%q outcome=%q price=%s shares=%s cost=%s",
		trade.ID, mk.ID, tok.ID, tok.Outcome, res.Price, res.Shares, cost)
	m.deps.Alerts.Important("trade_opened", map[string]string{
		"trade_id": trade.ID,
		"market":   mk.Slug,
		"outcome":  tok.Outcome,
		"price":    res.Price.String(),
		"shares":   res.Shares.String(),
		"cost":     cost.StringFixed(2),
	})
	return true, cost
}

// watch subscribes a candidate market's tokens so entries can use stream quotes.
func (m *Manager) watch(mk core.Market) {
	var fresh []string
	m.mu.Lock()
	for _, tok := range mk.Tokens {
		if _, ok := m.watched[tok.ID]; !ok {
			fresh = append(fresh, tok.ID)
		}
		m.watched[tok.ID] = mk.EndTime
	}
	m.mu.Unlock()
	if len(fresh) > 0 {
		if err := m.deps.Feed.Subscribe(fresh...); err != nil {
			log.Printf("level=WARN event=subscribe_failed ids=%d err=%q", len(fresh), err.Error())
		}
	}
}

func (m *Manager) pruneWatched() {
	now := m.now()
	var stale []string
	m.mu.Lock()
	for id, end := range m.watched {
		if now.Before(end.Add(m.p.ResolveGrace)) {
			continue
		}
		delete(m.watched, id)
		if _, held := m.positions[id]; !held {
			stale = append(stale, id)
		}
	}
	for id, end := range m.blocked {
		if !now.Before(end) {
			delete(m.blocked, id)
		}
	}
	m.mu.Unlock()
	if len(stale) > 0 {
		m.deps.Feed.Unsubscribe(stale...)
	}
}

// block keeps a market out of entries until it ends.
func (m *Manager) block(mk core.Market) {
	m.mu.Lock()
	m.blocked[mk.ID] = mk.EndTime
	m.mu.Unlock()
}

// marketHeld reports whether any outcome of mk already has a position.
func (m *Manager) marketHeld(mk core.Market) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.blocked[mk.ID]; ok {
		return true
	}
	for _, pos := range m.positions {
		if pos.trade.MarketID == mk.ID {
			return true
		}
	}
	return false
}

func (m *Manager) position(tokenID string) (position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[tokenID]
	if !ok {
		return position{}, false
	}
	return *pos, true
}

func (m *Manager) openPositions() []position {
	m.mu.RLock()
	out := make([]position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].trade.ID < out[j].trade.ID })
	return out
}

func (m *Manager) setShares(tokenID string, shares decimal.Decimal) {
	m.mu.Lock()
	if pos, ok := m.positions[tokenID]; ok {
		pos.shares = shares
	}
	m.mu.Unlock()
}

func (m *Manager) recordPartial(tokenID string, sold, price, remaining decimal.Decimal) {
	m.mu.Lock()
	if pos, ok := m.positions[tokenID]; ok {
		pos.shares = remaining
		pos.sold = pos.sold.Add(sold)
		pos.proceeds = pos.proceeds.Add(sold.Mul(price))
	}
	m.mu.Unlock()
}

func (m *Manager) setLastBid(tokenID string, bid decimal.Decimal) {
	m.mu.Lock()
	if pos, ok := m.positions[tokenID]; ok {
		pos.lastBid = bid
	}
	m.mu.Unlock()
}

func (m *Manager) dropPosition(tokenID string) {
	m.mu.Lock()
	delete(m.positions, tokenID)
	_, watched := m.watched[tokenID]
	m.mu.Unlock()
	if !watched {
		m.deps.Feed.Unsubscribe(tokenID)
	}
}

func (m *Manager) tradingEnabled() bool { return m.trading.Load() }

// noteErr records err for status and disables trading on a fatal error.
func (m *Manager) noteErr(op string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = op + ": " + err.Error()
	m.mu.Unlock()
	if core.IsFatal(err) {
		m.disableTrading(err)
		return
	}
	if op == "balance" || op == "discovery" || op == "stop_bid" || op == "entry_quote" {
		log.Printf("level=WARN event=%s_failed err=%q", op, err.Error())
	}
}

func (m *Manager) disableTrading(err error) {
	m.disableOnce.Do(func() {
		m.trading.Store(false)
		m.setState("degraded")
		log.Printf("level=ERROR event=trading_disabled reason=%q", err.Error())
		m.deps.Alerts.Important("trading_disabled", map[string]string{
			"reason": err.Error(),
		})
	})
}

func (m *Manager) setState(state string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) heartbeat() {
	st := m.Status()
	log.Printf("level=INFO event=heartbeat state=%s trading=%t stream=%s open_positions=%d balance=%s",
		st.State, st.TradingEnabled, st.StreamState, len(st.Positions), st.Balance)
}

type nopAlerts struct{}

func (nopAlerts) Important(string, map[string]string)             {}
func (nopAlerts) ImportantOnce(string, string, map[string]string) {}
func (nopAlerts) Forget(string)                                   {}

type openGate struct{}

func (openGate) AllowEntry() error       { return nil }
func (openGate) RecordEntry(error) error { return nil }
func (openGate) State() string           { return "disabled" }
