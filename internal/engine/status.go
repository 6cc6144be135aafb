package engine

import (
	"log"
	"os"

	"updown-trader/internal/store"
)

// Status is the current runtime view, also written to the status file each tick.
func (m *Manager) Status() store.RuntimeStatus {
	positions := m.openPositions()

	m.lifeMu.Lock()
	startedAt := m.startedAt
	m.lifeMu.Unlock()

	m.mu.RLock()
	st := store.RuntimeStatus{
		InstanceID:     m.p.InstanceID,
		PID:            os.Getpid(),
		State:          m.state,
		TradingEnabled: m.tradingEnabled(),
		Balance:        m.balance,
		StartedAt:      startedAt,
		UpdatedAt:      m.now().UTC(),
		LastError:      m.lastErr,
	}
	if !m.lastTick.IsZero() {
		t := m.lastTick
		st.LastTickAt = &t
	}
	m.mu.RUnlock()

	st.StreamState = m.deps.Feed.State().String()
	st.StreamReconnects = m.deps.Feed.Reconnects()
	st.StreamDropped = m.deps.Feed.Dropped()
	st.EntryCircuit = m.deps.Gate.State()
	st.Positions = make([]store.PositionStatus, 0, len(positions))
	for _, pos := range positions {
		st.Positions = append(st.Positions, store.PositionStatus{
			TradeID:    pos.trade.ID,
			MarketID:   pos.trade.MarketID,
			TokenID:    pos.trade.TokenID,
			Outcome:    pos.trade.Outcome,
			EntryPrice: pos.trade.EntryPrice,
			Shares:     pos.shares,
			LastBid:    pos.lastBid,
			Phase:      m.phases.get(pos.trade.TokenID).String(),
			ExpiresAt:  pos.trade.ExpiresAt,
		})
	}
	return st
}

func (m *Manager) persistStatus() {
	if m.deps.Status == nil {
		return
	}
	if err := m.deps.Status.SaveRuntimeStatus(m.Status()); err != nil {
		log.Printf("level=WARN event=runtime_status_write_failed err=%q", err.Error())
	}
}
