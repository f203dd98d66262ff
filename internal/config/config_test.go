package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "riskdesk.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
broker:
  kind: alpaca
  host: "10.0.0.5"
  port: 4002
  client_id: 7
  connect_timeout: 2s
  settle_delay: 250ms
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  feed: iex
risk:
  risk_per_trade: 250
  max_entry_freq_minutes: 15
  venue_timezone: "America/New_York"
  ignore_symbols: ["IBKR", "SPY"]
storage:
  data_dir: "/tmp/riskdesk/data"
  sqlite_path: "/tmp/riskdesk/riskdesk.db"
  exit_requests: file
  exit_requests_file: "/tmp/riskdesk/exit.json"
server:
  grpc_port: 9191
logging:
  level: debug
  format: text
monitor:
  interval: 30s
`)

	t.Setenv("ALPACA_API_KEY", "")
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")
	t.Setenv("DATA_DIR", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Broker.Kind != "alpaca" || cfg.Broker.Port != 4002 || cfg.Broker.ClientID != 7 {
		t.Errorf("Broker = %+v", cfg.Broker)
	}
	if cfg.Broker.ConnectTimeout != 2*time.Second {
		t.Errorf("Broker.ConnectTimeout = %v, want 2s", cfg.Broker.ConnectTimeout)
	}
	if cfg.Broker.SettleDelay != 250*time.Millisecond {
		t.Errorf("Broker.SettleDelay = %v, want 250ms", cfg.Broker.SettleDelay)
	}
	// Unset fields keep their defaults.
	if cfg.Broker.RequestTimeout != 5*time.Second {
		t.Errorf("Broker.RequestTimeout = %v, want default 5s", cfg.Broker.RequestTimeout)
	}
	if cfg.Broker.Exchange != "SMART" || cfg.Broker.Currency != "USD" {
		t.Errorf("routing = %s/%s, want SMART/USD", cfg.Broker.Exchange, cfg.Broker.Currency)
	}

	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.Feed != "iex" {
		t.Errorf("Alpaca = %+v", cfg.Alpaca)
	}

	if cfg.Risk.RiskPerTrade != 250 {
		t.Errorf("Risk.RiskPerTrade = %v, want 250", cfg.Risk.RiskPerTrade)
	}
	if cfg.Risk.Cooldown() != 15*time.Minute {
		t.Errorf("Risk.Cooldown() = %v, want 15m", cfg.Risk.Cooldown())
	}
	if len(cfg.Risk.IgnoreSymbols) != 2 || cfg.Risk.IgnoreSymbols[1] != "SPY" {
		t.Errorf("Risk.IgnoreSymbols = %v", cfg.Risk.IgnoreSymbols)
	}

	if cfg.Storage.ExitRequests != "file" || cfg.Storage.ExitRequestsFile != "/tmp/riskdesk/exit.json" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Server.GRPCPort != 9191 {
		t.Errorf("Server.GRPCPort = %d, want 9191", cfg.Server.GRPCPort)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Monitor.Interval != 30*time.Second || !cfg.Monitor.Enabled {
		t.Errorf("Monitor = %+v", cfg.Monitor)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Risk.VenueTimezone != "Europe/Helsinki" {
		t.Errorf("Risk.VenueTimezone = %q, want Europe/Helsinki", cfg.Risk.VenueTimezone)
	}
	if cfg.Risk.Cooldown() != 10*time.Minute {
		t.Errorf("Risk.Cooldown() = %v, want 10m", cfg.Risk.Cooldown())
	}
	if len(cfg.Risk.IgnoreSymbols) != 1 || cfg.Risk.IgnoreSymbols[0] != "IBKR" {
		t.Errorf("Risk.IgnoreSymbols = %v, want [IBKR]", cfg.Risk.IgnoreSymbols)
	}
	if cfg.Broker.Kind != "simulator" {
		t.Errorf("Broker.Kind = %q, want simulator", cfg.Broker.Kind)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/from-yaml/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("RISKDESK_BROKER_PORT", "4001")
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Broker.Port != 4001 {
		t.Errorf("Broker.Port = %d, want 4001 (env override)", cfg.Broker.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown broker", func(c *Config) { c.Broker.Kind = "ib" }},
		{"zero connect timeout", func(c *Config) { c.Broker.ConnectTimeout = 0 }},
		{"bad timezone", func(c *Config) { c.Risk.VenueTimezone = "Mars/Olympus" }},
		{"unknown exit store", func(c *Config) { c.Storage.ExitRequests = "etcd" }},
		{"zero monitor interval", func(c *Config) { c.Monitor.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
	if err := Defaults().Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
}
