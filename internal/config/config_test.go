package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "backtest"

[strategy]
underlying = "TSLA"
stop_price = 369.51
entry_above = 400.0

[engine]
poll_interval = "30s"

[backtest]
bars_path = "testdata/bars.csv"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "backtest" {
		t.Errorf("Mode = %q, want backtest", cfg.Mode)
	}
	if cfg.Strategy.Underlying != "TSLA" {
		t.Errorf("Underlying = %q, want TSLA", cfg.Strategy.Underlying)
	}
	if cfg.Strategy.StopPrice != 369.51 {
		t.Errorf("StopPrice = %v, want 369.51", cfg.Strategy.StopPrice)
	}
	if cfg.Engine.PollInterval.Duration != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Engine.PollInterval.Duration)
	}
	// Untouched fields keep their defaults.
	if cfg.Strategy.InitialQty != 5 {
		t.Errorf("InitialQty = %d, want default 5", cfg.Strategy.InitialQty)
	}
	if cfg.Risk.MaxDrawdownPct != 5.0 {
		t.Errorf("MaxDrawdownPct = %v, want default 5.0", cfg.Risk.MaxDrawdownPct)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[strategy]
underlying = "MSTR"
add_trigger_pct = 3.0
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load accepted a config with an unknown key")
	}
	if !strings.Contains(err.Error(), "add_trigger_pct") {
		t.Errorf("error %q does not name the offending key", err)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeConfig(t, `
[strategy]
underlying = "MSTR"
`)
	t.Setenv("TRANCHEBOT_STRATEGY_UNDERLYING", "NVDA")
	t.Setenv("TRANCHEBOT_VENUE_API_KEY", "k-123")
	t.Setenv("TRANCHEBOT_RISK_CONNECTIVITY_TIMEOUT", "2m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy.Underlying != "NVDA" {
		t.Errorf("Underlying = %q, want env override NVDA", cfg.Strategy.Underlying)
	}
	if cfg.Venue.APIKey != "k-123" {
		t.Errorf("APIKey = %q, want k-123", cfg.Venue.APIKey)
	}
	if cfg.Risk.ConnectivityTimeout.Duration != 2*time.Minute {
		t.Errorf("ConnectivityTimeout = %v, want 2m", cfg.Risk.ConnectivityTimeout.Duration)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "paper"
	cfg.Strategy.Direction = 2
	cfg.Strategy.MaxQty = 1 // below initial_qty
	cfg.Risk.MaxLossPct = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate passed an invalid config")
	}
	for _, want := range []string{"mode", "direction", "max_qty", "max_loss_pct"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateRequiresVenueCredentialsForLiveIronbeam(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Venue.Name = "ironbeam"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "venue.api_key") {
		t.Errorf("Validate = %v, want missing-credentials problem", err)
	}

	cfg.Venue.APIKey = "k"
	cfg.Venue.Secret = "s"
	cfg.Venue.Account = "a"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with credentials: %v", err)
	}
}

func TestValidateRequiresBarsPathForBacktest(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "bars_path") {
		t.Errorf("Validate = %v, want bars_path problem", err)
	}
}

func TestTradingWindow(t *testing.T) {
	cfg := Defaults()
	start, end := cfg.Engine.TradingWindow()
	if start != 9*60+35 || end != 15*60+55 {
		t.Errorf("TradingWindow = (%d, %d), want (575, 955)", start, end)
	}
}
