package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"updown-trader/internal/alert"
	"updown-trader/internal/config"
	"updown-trader/internal/core"
	"updown-trader/internal/discovery"
	"updown-trader/internal/engine"
	"updown-trader/internal/exchange"
	"updown-trader/internal/exchange/clob"
	"updown-trader/internal/executor"
	"updown-trader/internal/ledger"
	"updown-trader/internal/ratelimit"
	"updown-trader/internal/safety"
	"updown-trader/internal/status"
	"updown-trader/internal/store"
	"updown-trader/internal/stream"
)

const closeTimeout = 5 * time.Second

// App owns every long-lived component of one engine instance. It replaces
// process-wide singletons: everything is built in New and torn down in Close.
type App struct {
	cfg config.Config

	Client    exchange.Client
	Executor  *executor.Executor
	Stream    *stream.Stream
	Ledger    *ledger.Ledger
	Discovery *discovery.Client
	Breaker   *safety.Breaker
	Alerts    *alert.Manager
	Store     *store.Store
	Engine    *engine.Manager
	Status    *status.Server

	lock      *store.InstanceLock
	closeOnce sync.Once
}

// StateDir is the per-instance directory holding the lock and runtime status.
func StateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, cfg.InstanceID)
}

// NewClient returns the trading client when credentials are configured and a
// read-only client otherwise. The bool reports whether trading is possible.
func NewClient(cfg config.Config, limiter exchange.Acquirer) (exchange.Client, bool) {
	var inner exchange.Client
	trading := true
	c, err := clob.NewClient(cfg.Exchange)
	if err != nil {
		log.Printf("level=WARN event=clob_read_only reason=%q", err.Error())
		trading = false
		inner = clob.NewClientWithOptions(clob.Options{
			RestBaseURL:    cfg.Exchange.RestBaseURL,
			HTTPTimeoutSec: cfg.Exchange.HTTPTimeoutSec,
		})
	} else {
		inner = c
	}
	return exchange.NewThrottled(inner, limiter), trading
}

func NewLimiter(cfg config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Options{
		RatePerSec:  cfg.Exchange.RequestsPerSec,
		Burst:       cfg.Exchange.Burst,
		MaxInFlight: cfg.Exchange.MaxInFlight,
	})
}

func NewDiscovery(cfg config.Config, limiter exchange.Acquirer) *discovery.Client {
	return discovery.New(discovery.Options{
		BaseURL:    cfg.Exchange.GammaBaseURL,
		SlugPrefix: cfg.Strategy.MarketSlugPrefix,
		Timeout:    time.Duration(cfg.Exchange.HTTPTimeoutSec) * time.Second,
		Limiter:    limiter,
	})
}

// New builds the instance and takes the state-directory lock.
func New(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg}
	stateDir := StateDir(cfg)

	st, err := store.New(stateDir)
	if err != nil {
		return nil, err
	}
	a.Store = st
	takeover := true
	if cfg.State.LockTakeover != nil {
		takeover = *cfg.State.LockTakeover
	}
	lock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
		InstanceID: cfg.InstanceID,
		Takeover:   takeover,
		StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	a.lock = lock

	a.Alerts = alert.NewManager(cfg.InstanceID, alert.NotifierFor(cfg.Observability.Telegram), alert.ManagerOptions{
		QueueSize: cfg.Observability.Runtime.AlertQueueSize,
	})

	limiter := NewLimiter(cfg)
	client, trading := NewClient(cfg, limiter)
	a.Client = client

	exec := cfg.Execution
	rules := executor.NewRulesCache(client, time.Duration(exec.RulesTTLSec)*time.Second, exec.DefaultMinSize.Decimal)
	a.Executor = executor.New(client, rules, executor.Options{
		SellMaxAttempts:  exec.SellMaxAttempts,
		RetryBase:        time.Duration(exec.RetryBaseMs) * time.Millisecond,
		RetryMax:         time.Duration(exec.RetryMaxMs) * time.Millisecond,
		FillPollInterval: time.Duration(exec.FillPollIntervalMs) * time.Millisecond,
		FillTimeout:      time.Duration(exec.FillTimeoutMs) * time.Millisecond,
	})

	a.Stream = stream.New(stream.Options{
		URL:               cfg.Exchange.WSBaseURL,
		Keepalive:         time.Duration(cfg.Stream.KeepaliveSec) * time.Second,
		ReconnectDelay:    time.Duration(cfg.Stream.ReconnectDelaySec) * time.Second,
		MaxReconnectDelay: time.Duration(cfg.Stream.MaxReconnectDelaySec) * time.Second,
		UpdateBuffer:      cfg.Stream.UpdateBuffer,
	})

	a.Ledger, err = ledger.Open(cfg.State.LedgerPath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Discovery = NewDiscovery(cfg, limiter)

	cb := cfg.CircuitBreaker
	a.Breaker = safety.NewBreaker(cb.Enabled, cb.MaxEntryFailures, time.Duration(cb.CooldownSec)*time.Second, cb.ProbePasses)
	a.Breaker.SetAlerter(a.Alerts)

	p := engine.ParamsFromConfig(cfg)
	p.TradingEnabled = trading
	a.Engine, err = engine.New(engine.Deps{
		Account: client,
		Orders:  a.Executor,
		Ledger:  a.Ledger,
		Feed:    a.Stream,
		Markets: a.Discovery,
		Alerts:  a.Alerts,
		Gate:    a.Breaker,
		Status:  a.Store,
	}, p)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if cfg.Observability.Status.Enabled {
		a.Status = status.NewServer(a.Engine, a.Ledger)
	}
	return a, nil
}

// Run starts the stream, the engine and the status API and blocks until ctx
// is cancelled. Shutdown stops the engine first so in-flight actions complete
// while the exchange session is still usable.
func (a *App) Run(ctx context.Context) error {
	streamCtx, stopStream := context.WithCancel(context.WithoutCancel(ctx))
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := a.Stream.Run(streamCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("level=ERROR event=stream_stopped err=%q", err.Error())
		}
	}()
	defer func() {
		stopStream()
		<-streamDone
	}()

	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	log.Printf("level=INFO event=engine_started instance=%q trading=%t", a.cfg.InstanceID, a.cfg.Exchange.HasCredentials())
	a.Alerts.Important("engine_started", map[string]string{
		"trading": fmt.Sprintf("%t", a.cfg.Exchange.HasCredentials()),
	})

	apiErr := make(chan error, 1)
	if a.Status != nil {
		go func() {
			apiErr <- a.Status.Serve(ctx, a.cfg.Observability.Status.ListenAddr)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("status api: %w", err)
		}
	}
	a.Engine.Stop()
	a.Alerts.Important("engine_stopped", nil)
	return runErr
}

// Close releases the ledger, flushes alerts and drops the instance lock.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.Ledger != nil {
			if err := a.Ledger.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close ledger: %w", err))
			}
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Alerts.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("close alerts: %w", err))
		}
		if a.lock != nil {
			if err := a.lock.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release instance lock: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// CheckReport is what Check learned about connectivity.
type CheckReport struct {
	Trading bool
	Balance string
	Markets []core.Market
}

// Check verifies config, credentials and market discovery without trading.
func Check(ctx context.Context, cfg config.Config) (CheckReport, error) {
	limiter := NewLimiter(cfg)
	client, trading := NewClient(cfg, limiter)
	report := CheckReport{Trading: trading}
	if trading {
		bal, err := client.Balance(ctx)
		if err != nil {
			return report, fmt.Errorf("balance: %w", err)
		}
		report.Balance = bal.StringFixed(2)
	}
	markets, err := NewDiscovery(cfg, limiter).Markets(ctx)
	if err != nil {
		return report, fmt.Errorf("discovery: %w", err)
	}
	report.Markets = markets
	return report, nil
}
