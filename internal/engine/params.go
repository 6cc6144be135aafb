package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"updown-trader/internal/config"
)

// Params are the manager's thresholds and timings.
type Params struct {
	InstanceID string

	EntryThreshold  decimal.Decimal
	MaxEntryPrice   decimal.Decimal
	StopLoss        decimal.Decimal
	MaxSpread       decimal.Decimal
	ExitSlippage    decimal.Decimal
	PositionSizeUSD decimal.Decimal
	MinBalanceUSD   decimal.Decimal
	MinTimeLeft     time.Duration
	MaxTimeLeft     time.Duration

	TickInterval      time.Duration
	ReconcileInterval time.Duration
	ActionTimeout     time.Duration
	ResolveGrace      time.Duration
	StaleAfter        time.Duration
	Heartbeat         time.Duration

	// TradingEnabled false starts the manager view-only.
	TradingEnabled bool
}

func ParamsFromConfig(cfg config.Config) Params {
	s := cfg.Strategy
	return Params{
		InstanceID:        cfg.InstanceID,
		EntryThreshold:    s.EntryThreshold.Decimal,
		MaxEntryPrice:     s.MaxEntryPrice.Decimal,
		StopLoss:          s.StopLoss.Decimal,
		MaxSpread:         s.MaxSpread.Decimal,
		ExitSlippage:      s.ExitSlippage.Decimal,
		PositionSizeUSD:   s.PositionSizeUSD.Decimal,
		MinBalanceUSD:     s.MinBalanceUSD.Decimal,
		MinTimeLeft:       s.MinTimeLeft(),
		MaxTimeLeft:       s.MaxTimeLeft(),
		TickInterval:      seconds(cfg.Engine.TickIntervalSec),
		ReconcileInterval: seconds(cfg.Engine.ReconcileIntervalSec),
		ActionTimeout:     seconds(cfg.Engine.ActionTimeoutSec),
		ResolveGrace:      seconds(cfg.Engine.ResolveGraceSec),
		StaleAfter:        seconds(cfg.Stream.StaleAfterSec),
		Heartbeat:         seconds(cfg.Observability.Runtime.HeartbeatSec),
		TradingEnabled:    cfg.Exchange.HasCredentials(),
	}
}

func (p Params) withDefaults() Params {
	if p.TickInterval <= 0 {
		p.TickInterval = 5 * time.Second
	}
	if p.ActionTimeout <= 0 {
		p.ActionTimeout = time.Minute
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = 10 * time.Second
	}
	if p.InstanceID == "" {
		p.InstanceID = "default"
	}
	return p
}

func (p Params) validate() error {
	if !p.StopLoss.LessThan(p.EntryThreshold) || p.EntryThreshold.GreaterThan(p.MaxEntryPrice) {
		return errors.New("engine: need stop_loss < entry_threshold <= max_entry_price")
	}
	if p.MaxTimeLeft > 0 && p.MaxTimeLeft <= p.MinTimeLeft {
		return errors.New("engine: max_time_left must exceed min_time_left")
	}
	return nil
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
