package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // venue zones must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for riskdesk.
type Config struct {
	Broker  Broker  `yaml:"broker"`
	Alpaca  Alpaca  `yaml:"alpaca"`
	Risk    Risk    `yaml:"risk"`
	Storage Storage `yaml:"storage"`
	Redis   Redis   `yaml:"redis"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Monitor Monitor `yaml:"monitor"`
}

// Broker selects the brokerage backend and how sessions are opened.
type Broker struct {
	Kind            string        `yaml:"kind"` // "simulator" or "alpaca"
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ClientID        int           `yaml:"client_id"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	Exchange        string        `yaml:"exchange"`
	Currency        string        `yaml:"currency"`
	PrimaryExchange string        `yaml:"primary_exchange"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Risk defines sizing, throttling and pre-trade limits.
type Risk struct {
	RiskPerTrade        float64  `yaml:"risk_per_trade"`
	MaxEntryFreqMinutes int      `yaml:"max_entry_freq_minutes"`
	VenueTimezone       string   `yaml:"venue_timezone"`
	MaxPositionPct      float64  `yaml:"max_position_pct"`
	IgnoreSymbols       []string `yaml:"ignore_symbols"`
	UseLastAsk          bool     `yaml:"use_last_ask"`
}

// Cooldown returns the re-entry cooldown.
func (r Risk) Cooldown() time.Duration {
	return time.Duration(r.MaxEntryFreqMinutes) * time.Minute
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir          string `yaml:"data_dir"`
	SQLitePath       string `yaml:"sqlite_path"`
	ExitRequests     string `yaml:"exit_requests"` // "memory", "file" or "redis"
	ExitRequestsFile string `yaml:"exit_requests_file"`
}

// Redis holds the connection for the shared exit-request set.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Monitor controls the periodic reconciliation pass.
type Monitor struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns the configuration used for any field the file leaves
// unset.
func Defaults() *Config {
	return &Config{
		Broker: Broker{
			Kind:           "simulator",
			Host:           "127.0.0.1",
			Port:           7497,
			ClientID:       1,
			ConnectTimeout: 3 * time.Second,
			RequestTimeout: 5 * time.Second,
			SettleDelay:    500 * time.Millisecond,
			Exchange:       "SMART",
			Currency:       "USD",
		},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			RateLimitPerMin: 200,
		},
		Risk: Risk{
			RiskPerTrade:        100,
			MaxEntryFreqMinutes: 10,
			VenueTimezone:       "Europe/Helsinki",
			IgnoreSymbols:       []string{"IBKR"},
		},
		Storage: Storage{
			DataDir:      "data",
			SQLitePath:   "data/riskdesk.db",
			ExitRequests: "memory",
		},
		Redis: Redis{
			Addr: "127.0.0.1:6379",
			Key:  "riskdesk:exit_requests",
		},
		Server: Server{
			Host:     "127.0.0.1",
			GRPCPort: 9090,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Monitor: Monitor{
			Enabled:  true,
			Interval: time.Minute,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a .env file if present, parses the YAML configuration file at
// the given path over the defaults, applies environment variable overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "simulator", "alpaca":
	default:
		return fmt.Errorf("broker.kind: unknown broker %q", c.Broker.Kind)
	}
	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("broker.connect_timeout must be positive")
	}
	if c.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("broker.request_timeout must be positive")
	}
	if c.Broker.SettleDelay < 0 {
		return fmt.Errorf("broker.settle_delay must not be negative")
	}
	if c.Risk.RiskPerTrade < 0 {
		return fmt.Errorf("risk.risk_per_trade must not be negative")
	}
	if c.Risk.MaxEntryFreqMinutes < 0 {
		return fmt.Errorf("risk.max_entry_freq_minutes must not be negative")
	}
	if _, err := time.LoadLocation(c.Risk.VenueTimezone); err != nil {
		return fmt.Errorf("risk.venue_timezone: %w", err)
	}
	switch c.Storage.ExitRequests {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("storage.exit_requests: unknown backend %q", c.Storage.ExitRequests)
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RISKDESK_BROKER"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("RISKDESK_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v, ok := envInt("RISKDESK_BROKER_PORT"); ok {
		cfg.Broker.Port = v
	}
	if v, ok := envInt("RISKDESK_CLIENT_ID"); ok {
		cfg.Broker.ClientID = v
	}

	if v := os.Getenv("RISKDESK_VENUE_TZ"); v != "" {
		cfg.Risk.VenueTimezone = v
	}
	if v := os.Getenv("RISKDESK_RISK_PER_TRADE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.RiskPerTrade = f
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
