package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRANCHEBOT_* environment variable overrides, and
// returns the final Config. Unknown keys in the file are an error: strategy
// parameters drive real order flow, so a misspelled knob must fail loudly
// rather than be silently ignored. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unrecognized keys in %s: %s", path, strings.Join(keys, ", "))
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRANCHEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.Name, "TRANCHEBOT_VENUE_NAME")
	setStr(&cfg.Venue.BaseURL, "TRANCHEBOT_VENUE_BASE_URL")
	setStr(&cfg.Venue.WSURL, "TRANCHEBOT_VENUE_WS_URL")
	setStr(&cfg.Venue.APIKey, "TRANCHEBOT_VENUE_API_KEY")
	setStr(&cfg.Venue.Secret, "TRANCHEBOT_VENUE_SECRET")
	setStr(&cfg.Venue.Account, "TRANCHEBOT_VENUE_ACCOUNT")
	setFloat64(&cfg.Venue.TickSize, "TRANCHEBOT_VENUE_TICK_SIZE")
	setDuration(&cfg.Venue.Timeout, "TRANCHEBOT_VENUE_TIMEOUT")
	setInt(&cfg.Venue.SubmitRetries, "TRANCHEBOT_VENUE_SUBMIT_RETRIES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRANCHEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRANCHEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRANCHEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRANCHEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRANCHEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRANCHEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRANCHEBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRANCHEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRANCHEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRANCHEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRANCHEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRANCHEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRANCHEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRANCHEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRANCHEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRANCHEBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRANCHEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRANCHEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRANCHEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRANCHEBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRANCHEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRANCHEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "TRANCHEBOT_S3_FORCE_PATH_STYLE")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, "TRANCHEBOT_STRATEGY_NAME")
	setStr(&cfg.Strategy.Underlying, "TRANCHEBOT_STRATEGY_UNDERLYING")
	setStr(&cfg.Strategy.Expiry, "TRANCHEBOT_STRATEGY_EXPIRY")
	setInt(&cfg.Strategy.Direction, "TRANCHEBOT_STRATEGY_DIRECTION")
	setInt(&cfg.Strategy.InitialQty, "TRANCHEBOT_STRATEGY_INITIAL_QTY")
	setFloat64(&cfg.Strategy.AddTrigger, "TRANCHEBOT_STRATEGY_ADD_TRIGGER")
	setInt(&cfg.Strategy.MaxQty, "TRANCHEBOT_STRATEGY_MAX_QTY")
	setFloat64(&cfg.Strategy.EntryAbove, "TRANCHEBOT_STRATEGY_ENTRY_ABOVE")
	setFloat64(&cfg.Strategy.StopPrice, "TRANCHEBOT_STRATEGY_STOP_PRICE")
	setFloat64(&cfg.Strategy.TakeProfitMult, "TRANCHEBOT_STRATEGY_TAKE_PROFIT_MULTIPLE")
	setInt(&cfg.Strategy.TimeExitDays, "TRANCHEBOT_STRATEGY_TIME_EXIT_DAYS")
	setStr(&cfg.Strategy.TIF, "TRANCHEBOT_STRATEGY_TIF")
	setFloat64(&cfg.Strategy.ContractMultiplier, "TRANCHEBOT_STRATEGY_CONTRACT_MULTIPLIER")

	// ── Risk ──
	setInt(&cfg.Risk.PositionLimit, "TRANCHEBOT_RISK_POSITION_LIMIT")
	setFloat64(&cfg.Risk.MaxDrawdownPct, "TRANCHEBOT_RISK_MAX_DRAWDOWN_PCT")
	setFloat64(&cfg.Risk.MaxLossPct, "TRANCHEBOT_RISK_MAX_LOSS_PCT")
	setDuration(&cfg.Risk.ConnectivityTimeout, "TRANCHEBOT_RISK_CONNECTIVITY_TIMEOUT")

	// ── Engine ──
	setDuration(&cfg.Engine.PollInterval, "TRANCHEBOT_ENGINE_POLL_INTERVAL")
	setStr(&cfg.Engine.TradingHoursStart, "TRANCHEBOT_ENGINE_TRADING_HOURS_START")
	setStr(&cfg.Engine.TradingHoursEnd, "TRANCHEBOT_ENGINE_TRADING_HOURS_END")

	// ── Backtest ──
	setStr(&cfg.Backtest.Start, "TRANCHEBOT_BACKTEST_START")
	setStr(&cfg.Backtest.End, "TRANCHEBOT_BACKTEST_END")
	setStr(&cfg.Backtest.BarsPath, "TRANCHEBOT_BACKTEST_BARS_PATH")
	setFloat64(&cfg.Backtest.SlippagePct, "TRANCHEBOT_BACKTEST_SLIPPAGE_PCT")
	setFloat64(&cfg.Backtest.FeePerContract, "TRANCHEBOT_BACKTEST_FEE_PER_CONTRACT")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "TRANCHEBOT_MONITOR_POLL_INTERVAL")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "TRANCHEBOT_METRICS_ENABLED")
	setInt(&cfg.Metrics.Port, "TRANCHEBOT_METRICS_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRANCHEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRANCHEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRANCHEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRANCHEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRANCHEBOT_MODE")
	setStr(&cfg.LogLevel, "TRANCHEBOT_LOG_LEVEL")
	setFloat64(&cfg.AccountValue, "TRANCHEBOT_ACCOUNT_VALUE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
