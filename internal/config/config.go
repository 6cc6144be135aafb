package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	InstanceID     string               `yaml:"instance_id"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Stream         StreamConfig         `yaml:"stream"`
	Strategy       StrategyConfig       `yaml:"strategy"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Engine         EngineConfig         `yaml:"engine"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey         string  `yaml:"api_key"`
	APISecret      string  `yaml:"api_secret"`
	Passphrase     string  `yaml:"passphrase"`
	Address        string  `yaml:"address"`
	RestBaseURL    string  `yaml:"rest_base_url"`
	WSBaseURL      string  `yaml:"ws_base_url"`
	GammaBaseURL   string  `yaml:"gamma_base_url"`
	HTTPTimeoutSec int64   `yaml:"http_timeout_sec"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
	MaxInFlight    int     `yaml:"max_in_flight"`
}

// HasCredentials reports whether level-2 trading credentials are present.
func (e ExchangeConfig) HasCredentials() bool {
	return e.APIKey != "" && e.APISecret != "" && e.Passphrase != ""
}

type StreamConfig struct {
	KeepaliveSec         int64 `yaml:"keepalive_sec"`
	ReconnectDelaySec    int64 `yaml:"reconnect_delay_sec"`
	MaxReconnectDelaySec int64 `yaml:"max_reconnect_delay_sec"`
	StaleAfterSec        int64 `yaml:"stale_after_sec"`
	UpdateBuffer         int   `yaml:"update_buffer"`
}

type StrategyConfig struct {
	EntryThreshold   Decimal `yaml:"entry_threshold"`
	MaxEntryPrice    Decimal `yaml:"max_entry_price"`
	StopLoss         Decimal `yaml:"stop_loss"`
	MaxSpread        Decimal `yaml:"max_spread"`
	ExitSlippage     Decimal `yaml:"exit_slippage"`
	PositionSizeUSD  Decimal `yaml:"position_size_usd"`
	MinBalanceUSD    Decimal `yaml:"min_balance_usd"`
	MinTimeLeftSec   int64   `yaml:"min_time_left_sec"`
	MaxTimeLeftSec   int64   `yaml:"max_time_left_sec"`
	MarketSlugPrefix string  `yaml:"market_slug_prefix"`
}

type ExecutionConfig struct {
	SellMaxAttempts    int     `yaml:"sell_max_attempts"`
	RetryBaseMs        int64   `yaml:"retry_base_ms"`
	RetryMaxMs         int64   `yaml:"retry_max_ms"`
	FillPollIntervalMs int64   `yaml:"fill_poll_interval_ms"`
	FillTimeoutMs      int64   `yaml:"fill_timeout_ms"`
	RulesTTLSec        int64   `yaml:"rules_ttl_sec"`
	DefaultMinSize     Decimal `yaml:"default_min_size"`
}

type EngineConfig struct {
	TickIntervalSec      int64 `yaml:"tick_interval_sec"`
	ReconcileIntervalSec int64 `yaml:"reconcile_interval_sec"`
	ActionTimeoutSec     int64 `yaml:"action_timeout_sec"`
	ResolveGraceSec      int64 `yaml:"resolve_grace_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LedgerPath   string `yaml:"ledger_path"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled          bool  `yaml:"enabled"`
	MaxEntryFailures int   `yaml:"max_entry_failures"`
	CooldownSec      int64 `yaml:"cooldown_sec"`
	ProbePasses      int   `yaml:"probe_passes"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Status   StatusConfig   `yaml:"status"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec   int64 `yaml:"heartbeat_sec"`
	AlertQueueSize int   `yaml:"alert_queue_size"`
}

type StatusConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a single YAML document and applies environment overrides and defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.Passphrase = strings.TrimSpace(c.Exchange.Passphrase)
	c.Exchange.Address = strings.TrimSpace(c.Exchange.Address)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.GammaBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.GammaBaseURL), "/")
	c.Strategy.MarketSlugPrefix = strings.ToLower(strings.TrimSpace(c.Strategy.MarketSlugPrefix))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.State.LedgerPath = strings.TrimSpace(c.State.LedgerPath)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Status.ListenAddr = strings.TrimSpace(c.Observability.Status.ListenAddr)
}

// applyEnv lets secrets live outside the YAML file. A set variable wins over the file.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Exchange.APIKey, EnvAPIKey)
	set(&c.Exchange.APISecret, EnvAPISecret)
	set(&c.Exchange.Passphrase, EnvPassphrase)
	set(&c.Exchange.Address, EnvAddress)
	set(&c.Observability.Telegram.BotToken, EnvTelegramBotToken)
	set(&c.Observability.Telegram.ChatID, EnvTelegramChatID)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://clob.polymarket.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if c.Exchange.GammaBaseURL == "" {
		c.Exchange.GammaBaseURL = "https://gamma-api.polymarket.com"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RequestsPerSec == 0 {
		c.Exchange.RequestsPerSec = 5
	}
	if c.Exchange.Burst == 0 {
		c.Exchange.Burst = 10
	}
	if c.Exchange.MaxInFlight == 0 {
		c.Exchange.MaxInFlight = 4
	}
	if c.Stream.KeepaliveSec == 0 {
		c.Stream.KeepaliveSec = 10
	}
	if c.Stream.ReconnectDelaySec == 0 {
		c.Stream.ReconnectDelaySec = 1
	}
	if c.Stream.MaxReconnectDelaySec == 0 {
		c.Stream.MaxReconnectDelaySec = c.Stream.ReconnectDelaySec
	}
	if c.Stream.StaleAfterSec == 0 {
		c.Stream.StaleAfterSec = 10
	}
	if c.Stream.UpdateBuffer == 0 {
		c.Stream.UpdateBuffer = 256
	}
	if c.Strategy.MaxSpread.IsZero() {
		c.Strategy.MaxSpread = Decimal{decimal.RequireFromString("0.03")}
	}
	if c.Strategy.ExitSlippage.IsZero() {
		c.Strategy.ExitSlippage = Decimal{decimal.RequireFromString("0.05")}
	}
	if c.Strategy.MinBalanceUSD.IsZero() {
		c.Strategy.MinBalanceUSD = Decimal{decimal.NewFromInt(1)}
	}
	if c.Strategy.MaxTimeLeftSec == 0 {
		c.Strategy.MaxTimeLeftSec = 900
	}
	if c.Execution.SellMaxAttempts == 0 {
		c.Execution.SellMaxAttempts = 4
	}
	if c.Execution.RetryBaseMs == 0 {
		c.Execution.RetryBaseMs = 500
	}
	if c.Execution.RetryMaxMs == 0 {
		c.Execution.RetryMaxMs = 5000
	}
	if c.Execution.FillPollIntervalMs == 0 {
		c.Execution.FillPollIntervalMs = 250
	}
	if c.Execution.FillTimeoutMs == 0 {
		c.Execution.FillTimeoutMs = 3000
	}
	if c.Execution.RulesTTLSec == 0 {
		c.Execution.RulesTTLSec = 300
	}
	if c.Execution.DefaultMinSize.IsZero() {
		c.Execution.DefaultMinSize = Decimal{decimal.NewFromInt(5)}
	}
	if c.Engine.TickIntervalSec == 0 {
		c.Engine.TickIntervalSec = 5
	}
	if c.Engine.ReconcileIntervalSec == 0 {
		c.Engine.ReconcileIntervalSec = 60
	}
	if c.Engine.ActionTimeoutSec == 0 {
		c.Engine.ActionTimeoutSec = 60
	}
	if c.Engine.ResolveGraceSec == 0 {
		c.Engine.ResolveGraceSec = 120
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LedgerPath == "" {
		c.State.LedgerPath = c.State.Dir + "/" + c.InstanceID + "/trades.db"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxEntryFailures == 0 {
		c.CircuitBreaker.MaxEntryFailures = 3
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 300
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertQueueSize == 0 {
		c.Observability.Runtime.AlertQueueSize = 128
	}
	if c.Observability.Status.ListenAddr == "" {
		c.Observability.Status.ListenAddr = "127.0.0.1:8787"
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if err := validateURL(c.Exchange.GammaBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange gamma_base_url %v", err)
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RequestsPerSec <= 0 || c.Exchange.RequestsPerSec > 100 {
		return fmt.Errorf("exchange requests_per_sec must be > 0 and <= 100")
	}
	if c.Exchange.Burst < 1 {
		return fmt.Errorf("exchange burst must be >= 1")
	}
	if c.Exchange.MaxInFlight < 1 || c.Exchange.MaxInFlight > 64 {
		return fmt.Errorf("exchange max_in_flight must be between 1 and 64")
	}
	if c.Stream.KeepaliveSec < 1 || c.Stream.KeepaliveSec > 300 {
		return fmt.Errorf("stream keepalive_sec must be between 1 and 300")
	}
	if c.Stream.ReconnectDelaySec < 1 || c.Stream.MaxReconnectDelaySec < c.Stream.ReconnectDelaySec {
		return fmt.Errorf("stream reconnect_delay_sec must be >= 1 and <= max_reconnect_delay_sec")
	}
	if c.Stream.StaleAfterSec < 1 {
		return fmt.Errorf("stream stale_after_sec must be >= 1")
	}
	if c.Stream.UpdateBuffer < 1 {
		return fmt.Errorf("stream update_buffer must be >= 1")
	}
	if c.Execution.SellMaxAttempts < 1 || c.Execution.SellMaxAttempts > 20 {
		return fmt.Errorf("execution sell_max_attempts must be between 1 and 20")
	}
	if c.Execution.RetryBaseMs < 1 || c.Execution.RetryMaxMs < c.Execution.RetryBaseMs {
		return fmt.Errorf("execution retry_base_ms must be >= 1 and <= retry_max_ms")
	}
	if c.Execution.FillPollIntervalMs < 1 || c.Execution.FillTimeoutMs < c.Execution.FillPollIntervalMs {
		return fmt.Errorf("execution fill_poll_interval_ms must be >= 1 and <= fill_timeout_ms")
	}
	if c.Execution.RulesTTLSec < 1 {
		return fmt.Errorf("execution rules_ttl_sec must be >= 1")
	}
	if !c.Execution.DefaultMinSize.IsPositive() {
		return fmt.Errorf("execution default_min_size must be > 0")
	}
	if c.Engine.TickIntervalSec < 1 || c.Engine.TickIntervalSec > 3600 {
		return fmt.Errorf("engine tick_interval_sec must be between 1 and 3600")
	}
	if c.Engine.ReconcileIntervalSec < 0 || c.Engine.ReconcileIntervalSec > 3600 {
		return fmt.Errorf("engine reconcile_interval_sec must be between 0 and 3600")
	}
	if c.Engine.ReconcileIntervalSec > 0 && c.Engine.ReconcileIntervalSec < 10 {
		return fmt.Errorf("engine reconcile_interval_sec must be 0 or >= 10")
	}
	if c.Engine.ActionTimeoutSec < 1 {
		return fmt.Errorf("engine action_timeout_sec must be >= 1")
	}
	if c.Engine.ResolveGraceSec < 0 {
		return fmt.Errorf("engine resolve_grace_sec must be >= 0")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxEntryFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_entry_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 86400 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 86400")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertQueueSize < 1 || c.Observability.Runtime.AlertQueueSize > 10000 {
		return fmt.Errorf("observability.runtime.alert_queue_size must be between 1 and 10000")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	return nil
}

// Validate enforces stop_loss < entry_threshold <= max_entry_price, all inside (0, 1).
func (s StrategyConfig) Validate() error {
	one := decimal.NewFromInt(1)
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"entry_threshold", s.EntryThreshold.Decimal},
		{"max_entry_price", s.MaxEntryPrice.Decimal},
		{"stop_loss", s.StopLoss.Decimal},
	} {
		if !f.v.IsPositive() || f.v.GreaterThanOrEqual(one) {
			return fmt.Errorf("strategy %s must be between 0 and 1 exclusive", f.name)
		}
	}
	if !s.StopLoss.LessThan(s.EntryThreshold.Decimal) {
		return fmt.Errorf("strategy stop_loss must be < entry_threshold")
	}
	if s.EntryThreshold.GreaterThan(s.MaxEntryPrice.Decimal) {
		return fmt.Errorf("strategy entry_threshold must be <= max_entry_price")
	}
	if !s.MaxSpread.IsPositive() || s.MaxSpread.GreaterThanOrEqual(one) {
		return fmt.Errorf("strategy max_spread must be between 0 and 1 exclusive")
	}
	if s.ExitSlippage.IsNegative() || s.ExitSlippage.GreaterThanOrEqual(one) {
		return fmt.Errorf("strategy exit_slippage must be >= 0 and < 1")
	}
	if s.PositionSizeUSD.IsNegative() {
		return fmt.Errorf("strategy position_size_usd must be >= 0")
	}
	if s.MinBalanceUSD.IsNegative() {
		return fmt.Errorf("strategy min_balance_usd must be >= 0")
	}
	if s.MinTimeLeftSec < 0 {
		return fmt.Errorf("strategy min_time_left_sec must be >= 0")
	}
	if s.MaxTimeLeftSec <= s.MinTimeLeftSec {
		return fmt.Errorf("strategy max_time_left_sec must be > min_time_left_sec")
	}
	return nil
}

func (s StrategyConfig) MinTimeLeft() time.Duration {
	return time.Duration(s.MinTimeLeftSec) * time.Second
}

func (s StrategyConfig) MaxTimeLeft() time.Duration {
	return time.Duration(s.MaxTimeLeftSec) * time.Second
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
