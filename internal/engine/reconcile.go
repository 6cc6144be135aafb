package engine

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/core"
)

const orphanLookback = 24 * time.Hour

// reconcile compares open ledger positions with exchange-held balances.
// Missing positions are closed, short ones clamped in memory, and balances
// left behind by closed trades are reported once per token.
func (m *Manager) reconcile(ctx context.Context) {
	if ctx.Err() != nil || !m.tradingEnabled() {
		return
	}
	actx, cancel := m.actionContext(ctx)
	defer cancel()

	now := m.now()
	for _, pos := range m.openPositions() {
		tokenID := pos.trade.TokenID
		// Entries younger than the action timeout may not have settled yet.
		if now.Sub(pos.trade.CreatedAt) < m.p.ActionTimeout {
			continue
		}
		if m.phases.get(tokenID) != PhaseIdle {
			continue
		}
		balance, err := m.deps.Account.TokenBalance(actx, tokenID)
		if err != nil {
			m.noteErr("reconcile_balance", err)
			log.Printf("level=WARN event=reconcile_balance_failed token=%q err=%q", tokenID, err.Error())
			continue
		}
		rules := m.deps.Orders.Rules(actx, tokenID)
		switch {
		case balance.LessThan(rules.MinSize):
			m.closeMissing(actx, pos, balance, now)
		case balance.LessThan(pos.shares):
			clamped := core.FloorShares(balance)
			m.setShares(tokenID, clamped)
			log.Printf("level=WARN event=position_shares_clamped trade_id=%q token=%q recorded=%s balance=%s",
				pos.trade.ID, tokenID, pos.shares, clamped)
		}
	}
	m.checkOrphans(actx, now)
}

func (m *Manager) closeMissing(ctx context.Context, pos position, balance decimal.Decimal, now time.Time) {
	tokenID := pos.trade.TokenID
	if !m.phases.tryBegin(tokenID, PhaseExiting) {
		return
	}
	defer m.phases.finish(tokenID)

	status := core.TradeStopped
	var exitPrice decimal.Decimal
	if !now.Before(pos.trade.ExpiresAt) {
		status = core.TradeResolved
		exitPrice = resolvedExit(m.lastKnownBid(ctx, pos))
	} else {
		bid, _, err := m.stopBid(ctx, tokenID)
		if err != nil || !bid.IsPositive() {
			bid = pos.lastBid
		}
		exitPrice = bid
	}
	log.Printf("level=WARN event=position_missing_on_exchange trade_id=%q token=%q shares=%s balance=%s",
		pos.trade.ID, tokenID, pos.shares, balance)
	m.deps.Alerts.Important("position_missing_on_exchange", map[string]string{
		"trade_id": pos.trade.ID,
		"token":    tokenID,
		"shares":   pos.shares.String(),
		"balance":  balance.String(),
		"status":   string(status),
	})
	_ = m.closePosition(ctx, pos, exitPrice, status, "missing_on_exchange")
}

// checkOrphans alerts once per token when a recently closed trade still shows
// a sellable balance. Nothing is sold automatically.
func (m *Manager) checkOrphans(ctx context.Context, now time.Time) {
	closed, err := m.deps.Ledger.ListClosedSince(ctx, now.Add(-orphanLookback))
	if err != nil {
		m.noteErr("reconcile_closed", err)
		return
	}
	seen := make(map[string]struct{}, len(closed))
	for _, t := range closed {
		if _, ok := seen[t.TokenID]; ok {
			continue
		}
		seen[t.TokenID] = struct{}{}
		if _, held := m.position(t.TokenID); held {
			continue
		}
		balance, err := m.deps.Account.TokenBalance(ctx, t.TokenID)
		if err != nil {
			m.noteErr("reconcile_balance", err)
			continue
		}
		key := "orphan:" + t.TokenID
		if balance.LessThan(m.deps.Orders.Rules(ctx, t.TokenID).MinSize) {
			m.deps.Alerts.Forget(key)
			continue
		}
		log.Printf("level=WARN event=orphan_balance token=%q trade_id=%q status=%s balance=%s", t.TokenID, t.ID, t.Status, balance)
		m.deps.Alerts.ImportantOnce(key, "orphan_balance", map[string]string{
			"token":    t.TokenID,
			"trade_id": t.ID,
			"outcome":  t.Outcome,
			"balance":  balance.String(),
		})
	}
}
