// Package config loads sessiond configuration.
//
// DESIGN: Configuration comes from three layers, later layers winning:
//  1. Compiled defaults (defaults.go)
//  2. YAML file, with ${VAR} and ${VAR:-default} references expanded
//  3. SESSIOND_* environment variables (a .env file is loaded first if present)
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/soulseer/sessiond/internal/money"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Storage    StorageConfig     `yaml:"storage"`
	Billing    BillingConfig     `yaml:"billing"`
	Timeouts   TimeoutsConfig    `yaml:"timeouts"`
	Recovery   RecoveryConfig    `yaml:"recovery"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Profile    ProfileConfig     `yaml:"profile"`
	Readers    map[string]string `yaml:"readers"` // reader id -> rate per minute in dollars
	Monitoring MonitoringConfig  `yaml:"monitoring"`
	Log        LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SESSIOND_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SESSIOND_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SESSIOND_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SESSIOND_SHUTDOWN_TIMEOUT"`
	// AllowedOrigins are host patterns browsers may open websockets from.
	AllowedOrigins []string `yaml:"allowed_origins" env:"SESSIOND_ALLOWED_ORIGINS" envSeparator:","`
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"SESSIOND_STORAGE_DRIVER"` // sqlite or memory
	Path   string `yaml:"path" env:"SESSIOND_STORAGE_PATH"`
}

// BillingConfig holds metering settings.
type BillingConfig struct {
	TickPeriod         time.Duration            `yaml:"tick_period" env:"SESSIOND_TICK_PERIOD"`
	CheckpointInterval time.Duration            `yaml:"checkpoint_interval" env:"SESSIOND_CHECKPOINT_INTERVAL"`
	KindIntervals      map[string]time.Duration `yaml:"kind_intervals"` // per session kind override
	DebitTimeout       time.Duration            `yaml:"debit_timeout" env:"SESSIOND_DEBIT_TIMEOUT"`
	MinimumMinutes     int                      `yaml:"minimum_minutes" env:"SESSIOND_MINIMUM_MINUTES"`
	LowBalanceWarning  time.Duration            `yaml:"low_balance_warning" env:"SESSIOND_LOW_BALANCE_WARNING"`
}

// TimeoutsConfig holds lifecycle expiry windows.
type TimeoutsConfig struct {
	PendingExpiry  time.Duration `yaml:"pending_expiry" env:"SESSIOND_PENDING_EXPIRY"`
	ConnectGrace   time.Duration `yaml:"connect_grace" env:"SESSIOND_CONNECT_GRACE"`
	ReconnectGrace time.Duration `yaml:"reconnect_grace" env:"SESSIOND_RECONNECT_GRACE"`
}

// RecoveryConfig is the restart policy for sessions left in_progress.
type RecoveryConfig struct {
	Policy string        `yaml:"policy" env:"SESSIOND_RECOVERY_POLICY"` // resume or terminate
	Grace  time.Duration `yaml:"grace" env:"SESSIOND_RECOVERY_GRACE"`
}

// LedgerConfig selects the balance ledger.
type LedgerConfig struct {
	Driver   string            `yaml:"driver" env:"SESSIOND_LEDGER_DRIVER"` // memory or http
	BaseURL  string            `yaml:"base_url" env:"SESSIOND_LEDGER_URL"`
	APIKey   string            `yaml:"api_key" env:"SESSIOND_LEDGER_API_KEY"`
	Timeout  time.Duration     `yaml:"timeout" env:"SESSIOND_LEDGER_TIMEOUT"`
	Balances map[string]string `yaml:"balances"` // seed balances for the memory ledger, in dollars
}

// ProfileConfig selects where reader rates come from.
type ProfileConfig struct {
	Driver  string        `yaml:"driver" env:"SESSIOND_PROFILE_DRIVER"` // static or http
	BaseURL string        `yaml:"base_url" env:"SESSIOND_PROFILE_URL"`
	APIKey  string        `yaml:"api_key" env:"SESSIOND_PROFILE_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"SESSIOND_PROFILE_TIMEOUT"`
}

// MonitoringConfig holds telemetry settings.
type MonitoringConfig struct {
	TelemetryEnabled bool   `yaml:"telemetry_enabled" env:"SESSIOND_TELEMETRY_ENABLED"`
	TelemetryDir     string `yaml:"telemetry_dir" env:"SESSIOND_TELEMETRY_DIR"`
	LogToStdout      bool   `yaml:"log_to_stdout" env:"SESSIOND_TELEMETRY_STDOUT"`
	OTLPEndpoint     string `yaml:"otlp_endpoint" env:"SESSIOND_OTLP_ENDPOINT"`
	ServiceName      string `yaml:"service_name" env:"SESSIOND_SERVICE_NAME"`
}

// LogConfig holds zerolog settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"SESSIOND_LOG_LEVEL"`
	Output string `yaml:"output" env:"SESSIOND_LOG_OUTPUT"` // file path; empty = stdout
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            DefaultListenAddr,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   DefaultStoragePath,
		},
		Billing: BillingConfig{
			TickPeriod:         DefaultTickPeriod,
			CheckpointInterval: DefaultCheckpointInterval,
			DebitTimeout:       DefaultDebitTimeout,
			MinimumMinutes:     DefaultMinimumMinutes,
			LowBalanceWarning:  DefaultLowBalanceWarning,
		},
		Timeouts: TimeoutsConfig{
			PendingExpiry:  DefaultPendingExpiry,
			ConnectGrace:   DefaultConnectGrace,
			ReconnectGrace: DefaultReconnectGrace,
		},
		Recovery: RecoveryConfig{
			Policy: RecoveryResume,
			Grace:  DefaultRecoveryGrace,
		},
		Ledger: LedgerConfig{
			Driver:  "memory",
			Timeout: DefaultCollaboratorTimeout,
		},
		Profile: ProfileConfig{
			Driver:  "static",
			Timeout: DefaultCollaboratorTimeout,
		},
		Monitoring: MonitoringConfig{
			TelemetryDir: DefaultTelemetryDir,
			ServiceName:  DefaultServiceName,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (may be empty for defaults only).
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var data []byte
	if path != "" {
		// #nosec G304 -- path is an operator-supplied config file
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		data = b
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML config bytes on top of the defaults,
// applies environment overrides and validates the result.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()

	if len(data) > 0 {
		expanded := ExpandEnvWithDefaults(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}

	if c.Billing.TickPeriod <= 0 {
		return fmt.Errorf("billing.tick_period must be > 0, got %s", c.Billing.TickPeriod)
	}
	if err := validateCheckpoint("billing.checkpoint_interval", c.Billing.CheckpointInterval, c.Billing.TickPeriod); err != nil {
		return err
	}
	for kind, d := range c.Billing.KindIntervals {
		if err := validateCheckpoint("billing.kind_intervals."+kind, d, c.Billing.TickPeriod); err != nil {
			return err
		}
	}
	if c.Billing.DebitTimeout <= 0 {
		return fmt.Errorf("billing.debit_timeout must be > 0")
	}
	if c.Billing.MinimumMinutes < 0 {
		return fmt.Errorf("billing.minimum_minutes must be >= 0, got %d", c.Billing.MinimumMinutes)
	}

	if c.Timeouts.PendingExpiry <= 0 || c.Timeouts.ConnectGrace <= 0 || c.Timeouts.ReconnectGrace <= 0 {
		return fmt.Errorf("timeouts must all be > 0")
	}

	switch c.Recovery.Policy {
	case RecoveryResume, RecoveryTerminate:
	default:
		return fmt.Errorf("recovery.policy must be %q or %q, got %q", RecoveryResume, RecoveryTerminate, c.Recovery.Policy)
	}

	switch c.Ledger.Driver {
	case "memory":
	case "http":
		if c.Ledger.BaseURL == "" {
			return fmt.Errorf("ledger.base_url is required for the http ledger")
		}
	default:
		return fmt.Errorf("ledger.driver must be memory or http, got %q", c.Ledger.Driver)
	}
	for user, amount := range c.Ledger.Balances {
		if _, err := money.ParseDollars(amount); err != nil {
			return fmt.Errorf("ledger.balances.%s: %w", user, err)
		}
	}

	switch c.Profile.Driver {
	case "static":
	case "http":
		if c.Profile.BaseURL == "" {
			return fmt.Errorf("profile.base_url is required for the http profile provider")
		}
	default:
		return fmt.Errorf("profile.driver must be static or http, got %q", c.Profile.Driver)
	}
	for reader, rate := range c.Readers {
		cents, err := money.ParseDollars(rate)
		if err != nil {
			return fmt.Errorf("readers.%s: %w", reader, err)
		}
		if cents <= 0 {
			return fmt.Errorf("readers.%s: rate must be > 0", reader)
		}
	}
	return nil
}

// CheckpointFor returns the checkpoint interval for a session kind.
func (c *Config) CheckpointFor(kind string) time.Duration {
	if d, ok := c.Billing.KindIntervals[kind]; ok && d > 0 {
		return d
	}
	return c.Billing.CheckpointInterval
}

func validateCheckpoint(name string, d, tick time.Duration) error {
	if d < tick {
		return fmt.Errorf("%s must be >= tick period (%s), got %s", name, tick, d)
	}
	if d%tick != 0 {
		return fmt.Errorf("%s must be a multiple of the tick period (%s), got %s", name, tick, d)
	}
	return nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults expands ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		return ""
	})
}
