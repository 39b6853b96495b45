// Package config defines the top-level configuration for tranchebot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRANCHEBOT_* environment
// variables.
type Config struct {
	Venue    VenueConfig    `toml:"venue"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Strategy StrategyConfig `toml:"strategy"`
	Risk     RiskConfig     `toml:"risk"`
	Engine   EngineConfig   `toml:"engine"`
	Backtest BacktestConfig `toml:"backtest"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	// AccountValue is the account equity baseline used for loss-percentage
	// circuit breakers and backtest starting capital.
	AccountValue float64 `toml:"account_value"`
}

// VenueConfig holds execution-venue endpoints and credentials.
type VenueConfig struct {
	Name     string   `toml:"name"` // "sim" or "ironbeam"
	BaseURL  string   `toml:"base_url"`
	WSURL    string   `toml:"ws_url"`
	APIKey   string   `toml:"api_key"`
	Secret   string   `toml:"secret"`
	Account  string   `toml:"account"`
	TickSize float64  `toml:"tick_size"`
	Timeout  duration `toml:"timeout"`
	// SubmitRetries bounds idempotent resubmission of timed-out orders.
	SubmitRetries int `toml:"submit_retries"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis carries only the
// cross-process halt flag and the alert event stream, never position truth.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object-storage parameters for closed-position archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TrailingStopConfig configures the volatility-trailed stop leg.
type TrailingStopConfig struct {
	Mode       string  `toml:"mode"` // "off" or "true_range"
	Window     int     `toml:"window"`
	Multiplier float64 `toml:"multiplier"`
}

// StrategyConfig is the fully-typed strategy parameter set. The loader
// rejects any key not named here rather than ignoring it.
type StrategyConfig struct {
	Name       string `toml:"name"`
	Underlying string `toml:"underlying"`
	// Direction is +1 for a long campaign, -1 for short.
	Direction int `toml:"direction"`
	// Expiry is the reference option/contract expiry date (YYYY-MM-DD).
	Expiry            string  `toml:"expiry"`
	InitialQty        int     `toml:"initial_qty"`
	AddTrigger        float64 `toml:"add_trigger"` // absolute price move beyond last add
	MaxQty            int     `toml:"max_qty"`
	EntryAbove        float64 `toml:"entry_above"` // initial entry trigger; zero enters on first observation
	StopPrice         float64 `toml:"stop_price"`
	TakeProfitMult    float64 `toml:"take_profit_multiple"`
	TimeExitDays      int     `toml:"time_exit_days"`
	TIF               string  `toml:"tif"`
	BracketPerTranche bool    `toml:"bracket_per_tranche"`
	// TakeProfit1Frac splits bracket take-profit quantity between tp1 and
	// tp2; tp2 receives the remainder.
	TakeProfit1Frac float64 `toml:"take_profit_1_fraction"`
	// TakeProfitOffset1/2 are absolute price offsets from weighted-average
	// entry for the tp legs.
	TakeProfitOffset1 float64 `toml:"take_profit_offset_1"`
	TakeProfitOffset2 float64 `toml:"take_profit_offset_2"`
	// StopRequiresIVBelow, when set, suppresses the hard price stop unless
	// the observation's implied volatility is at or below this threshold.
	// Observations without IV always satisfy the condition.
	StopRequiresIVBelow *float64           `toml:"stop_requires_iv_below"`
	TrailingStop        TrailingStopConfig `toml:"trailing_stop"`
	// ContractMultiplier converts one point of price movement on one
	// contract into dollars of PnL (100 for equity options).
	ContractMultiplier float64 `toml:"contract_multiplier"`
}

// ExpiryDate parses the configured expiry.
func (s StrategyConfig) ExpiryDate() (time.Time, error) {
	t, err := time.Parse("2006-01-02", s.Expiry)
	if err != nil {
		return time.Time{}, fmt.Errorf("config: parse strategy expiry %q: %w", s.Expiry, err)
	}
	return t, nil
}

// RiskConfig holds the circuit-breaker limits.
type RiskConfig struct {
	PositionLimit       int      `toml:"position_limit"`
	MaxDrawdownPct      float64  `toml:"max_drawdown_pct"`
	MaxLossPct          float64  `toml:"max_loss_pct"`
	ConnectivityTimeout duration `toml:"connectivity_timeout"`
}

// EngineConfig holds live-loop parameters.
type EngineConfig struct {
	PollInterval      duration `toml:"poll_interval"`
	TradingHoursStart string   `toml:"trading_hours_start"` // "09:35"
	TradingHoursEnd   string   `toml:"trading_hours_end"`   // "15:55"
}

// BacktestConfig holds replay parameters.
type BacktestConfig struct {
	Start          string  `toml:"start"`
	End            string  `toml:"end"`
	BarsPath       string  `toml:"bars_path"` // CSV of daily bars
	SlippagePct    float64 `toml:"slippage_pct"`
	FeePerContract float64 `toml:"fee_per_contract"`
}

// MonitorConfig holds the read-only monitor's parameters.
type MonitorConfig struct {
	PollInterval duration `toml:"poll_interval"`
}

// MetricsConfig holds the ops listener parameters.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			Name:          "sim",
			BaseURL:       "https://api.ironbeam.com/v1",
			WSURL:         "wss://md.ironbeam.com/v1/stream",
			TickSize:      0.5,
			Timeout:       duration{3 * time.Second},
			SubmitRetries: 3,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tranchebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tranchebot-archive",
			ForcePathStyle: true,
		},
		Strategy: StrategyConfig{
			Name:              "risk_reversal",
			Underlying:        "MSTR",
			Direction:         1,
			InitialQty:        5,
			AddTrigger:        15.0,
			MaxQty:            25,
			TakeProfitMult:    1.5,
			TimeExitDays:      5,
			TIF:               "GTC",
			TakeProfit1Frac:   0.5,
			TakeProfitOffset1: 10.0,
			TakeProfitOffset2: 20.0,
			TrailingStop: TrailingStopConfig{
				Mode:       "true_range",
				Window:     14,
				Multiplier: 2.0,
			},
			ContractMultiplier: 100,
		},
		Risk: RiskConfig{
			PositionLimit:       25,
			MaxDrawdownPct:      5.0,
			MaxLossPct:          10.0,
			ConnectivityTimeout: duration{90 * time.Second},
		},
		Engine: EngineConfig{
			PollInterval:      duration{time.Minute},
			TradingHoursStart: "09:35",
			TradingHoursEnd:   "15:55",
		},
		Backtest: BacktestConfig{
			SlippagePct:    0.1,
			FeePerContract: 0.65,
		},
		Monitor: MonitorConfig{
			PollInterval: duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9180,
		},
		Notify: NotifyConfig{
			Events: []string{"RiskHalted", "BracketInconsistent", "ReconcileMismatch"},
		},
		Mode:         "live",
		LogLevel:     "info",
		AccountValue: 1_400_000,
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":     true,
	"backtest": true,
	"monitor":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validTIFs = map[string]bool{"GTC": true, "DAY": true, "IOC": true}

var validTrailingModes = map[string]bool{"off": true, "true_range": true}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var problems []string

	if !validModes[strings.ToLower(c.Mode)] {
		problems = append(problems, fmt.Sprintf("mode %q is not one of live|backtest|monitor", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug|info|warn|error", c.LogLevel))
	}
	if c.AccountValue <= 0 {
		problems = append(problems, "account_value must be positive")
	}

	s := c.Strategy
	if s.Underlying == "" {
		problems = append(problems, "strategy.underlying is required")
	}
	if s.Direction != 1 && s.Direction != -1 {
		problems = append(problems, "strategy.direction must be 1 or -1")
	}
	if s.ContractMultiplier <= 0 {
		problems = append(problems, "strategy.contract_multiplier must be positive")
	}
	if s.InitialQty <= 0 {
		problems = append(problems, "strategy.initial_qty must be positive")
	}
	if s.MaxQty < s.InitialQty {
		problems = append(problems, "strategy.max_qty must be >= strategy.initial_qty")
	}
	if s.AddTrigger <= 0 {
		problems = append(problems, "strategy.add_trigger must be positive")
	}
	if s.Expiry != "" {
		if _, err := s.ExpiryDate(); err != nil {
			problems = append(problems, fmt.Sprintf("strategy.expiry: %v", err))
		}
	}
	if !validTIFs[s.TIF] {
		problems = append(problems, fmt.Sprintf("strategy.tif %q is not one of GTC|DAY|IOC", s.TIF))
	}
	if s.TakeProfit1Frac < 0 || s.TakeProfit1Frac > 1 {
		problems = append(problems, "strategy.take_profit_1_fraction must be in [0,1]")
	}
	if !validTrailingModes[s.TrailingStop.Mode] {
		problems = append(problems, fmt.Sprintf("strategy.trailing_stop.mode %q is not one of off|true_range", s.TrailingStop.Mode))
	}
	if s.TrailingStop.Mode == "true_range" {
		if s.TrailingStop.Window <= 0 {
			problems = append(problems, "strategy.trailing_stop.window must be positive")
		}
		if s.TrailingStop.Multiplier <= 0 {
			problems = append(problems, "strategy.trailing_stop.multiplier must be positive")
		}
	}
	if s.StopRequiresIVBelow != nil && *s.StopRequiresIVBelow <= 0 {
		problems = append(problems, "strategy.stop_requires_iv_below must be positive when set")
	}

	r := c.Risk
	if r.PositionLimit <= 0 {
		problems = append(problems, "risk.position_limit must be positive")
	}
	if s.MaxQty > r.PositionLimit {
		problems = append(problems, "strategy.max_qty cannot exceed risk.position_limit")
	}
	if r.MaxDrawdownPct <= 0 {
		problems = append(problems, "risk.max_drawdown_pct must be positive")
	}
	if r.MaxLossPct <= 0 {
		problems = append(problems, "risk.max_loss_pct must be positive")
	}
	if r.ConnectivityTimeout.Duration <= 0 {
		problems = append(problems, "risk.connectivity_timeout must be positive")
	}

	if c.Engine.PollInterval.Duration <= 0 {
		problems = append(problems, "engine.poll_interval must be positive")
	}
	if _, err := parseClock(c.Engine.TradingHoursStart); err != nil {
		problems = append(problems, fmt.Sprintf("engine.trading_hours_start: %v", err))
	}
	if _, err := parseClock(c.Engine.TradingHoursEnd); err != nil {
		problems = append(problems, fmt.Sprintf("engine.trading_hours_end: %v", err))
	}

	if strings.ToLower(c.Mode) == "backtest" {
		if c.Backtest.BarsPath == "" {
			problems = append(problems, "backtest.bars_path is required in backtest mode")
		}
	}
	if strings.ToLower(c.Mode) == "live" && c.Venue.Name == "ironbeam" {
		if c.Venue.APIKey == "" || c.Venue.Secret == "" || c.Venue.Account == "" {
			problems = append(problems, "venue.api_key, venue.secret and venue.account are required for the ironbeam venue")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// parseClock parses an "HH:MM" wall-clock string.
func parseClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid clock time %q", s)
	}
	return t, nil
}

// TradingWindow returns the configured session start/end as minutes from
// midnight. Validate must have passed before calling.
func (e EngineConfig) TradingWindow() (startMin, endMin int) {
	st, _ := parseClock(e.TradingHoursStart)
	en, _ := parseClock(e.TradingHoursEnd)
	return st.Hour()*60 + st.Minute(), en.Hour()*60 + en.Minute()
}
