// Package config loads the ledger configuration: defaults, then an optional
// YAML file, then a .env file, then environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LEDGER"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http" envconfig:"HTTP"`
	Storage  StorageConfig  `yaml:"storage" envconfig:"STORAGE"`
	Redis    RedisConfig    `yaml:"redis" envconfig:"REDIS"`
	Trading  TradingConfig  `yaml:"trading" envconfig:"TRADING"`
	Limits   LimitsConfig   `yaml:"limits" envconfig:"LIMITS"`
	Approval ApprovalConfig `yaml:"approval" envconfig:"APPROVAL"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`

	// Markets are opened at startup when their id does not exist yet.
	Markets []SeedMarket `yaml:"markets" ignored:"true"`
}

type HTTPConfig struct {
	Port            string        `yaml:"port" split_words:"true"`
	RequestTimeout  time.Duration `yaml:"request_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Driver      string `yaml:"driver" split_words:"true"`  // memory | sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path" ignored:"true"` // file path or ":memory:"; env LEDGER_STORAGE_SQLITE_PATH
	PostgresDSN string `yaml:"postgres_dsn" split_words:"true"`
	Migrate     bool   `yaml:"migrate" split_words:"true"` // apply migrations on serve
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `yaml:"url" split_words:"true"`
	TTL time.Duration `yaml:"ttl" split_words:"true"`
}

// TradingConfig holds the pricing parameters.
type TradingConfig struct {
	FeeRate         float64 `yaml:"fee_rate" split_words:"true"`
	LiquidityFactor float64 `yaml:"liquidity_factor" split_words:"true"`
	MaxImpact       float64 `yaml:"max_impact" split_words:"true"`
}

// LimitsConfig caps holdings per buyer. Zero disables a cap.
type LimitsConfig struct {
	MaxPerPosition float64 `yaml:"max_per_position" split_words:"true"`
	MaxPerMarket   float64 `yaml:"max_per_market" split_words:"true"`
	MaxPerUser     float64 `yaml:"max_per_user" split_words:"true"`
}

// ApprovalConfig configures sell request notifications and signatures.
type ApprovalConfig struct {
	QueueSize int    `yaml:"queue_size" split_words:"true"`
	PublicKey string `yaml:"public_key" split_words:"true"` // base58 Ed25519; empty accepts any signature

	Telegram TelegramConfig `yaml:"telegram" envconfig:"TELEGRAM"`
}

// TelegramConfig enables the Telegram channel when Token and ChatID are set.
type TelegramConfig struct {
	Token   string  `yaml:"token" split_words:"true"`
	ChatID  string  `yaml:"chat_id" split_words:"true"`
	APIBase string  `yaml:"api_base" split_words:"true"`
	Rate    float64 `yaml:"rate" split_words:"true"` // messages per second
}

// Enabled reports whether both credentials are present.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != ""
}

// SeedMarket describes a market opened at startup.
type SeedMarket struct {
	ID          string  `yaml:"id"`
	Title       string  `yaml:"title"`
	Description string  `yaml:"description"`
	YesPrice    float64 `yaml:"yes_price"`
}

// LogConfig controls logging format and level.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" envconfig:"FORMAT"` // text | json
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. A .env file in the working directory
// is loaded if present; it never overrides variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: environment: %w", err)
	}
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides honours the unprefixed variables common to container
// platforms, plus keys envconfig cannot derive from the field name.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "_STORAGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTP.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresDSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = DriverPostgres
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8080"
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "ledger.db"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 30 * time.Second
	}
	if cfg.Trading.FeeRate <= 0 {
		cfg.Trading.FeeRate = 0.02
	}
	if cfg.Trading.LiquidityFactor <= 0 {
		cfg.Trading.LiquidityFactor = 0.0001
	}
	if cfg.Trading.MaxImpact <= 0 {
		cfg.Trading.MaxImpact = 0.1
	}
	if cfg.Approval.QueueSize <= 0 {
		cfg.Approval.QueueSize = 256
	}
	if cfg.Approval.Telegram.Rate <= 0 {
		cfg.Approval.Telegram.Rate = 1
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage driver %q needs postgres_dsn or DATABASE_URL", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Trading.MaxImpact >= 1 {
		return fmt.Errorf("config: max_impact %v must be below 1", c.Trading.MaxImpact)
	}
	for i, m := range c.Markets {
		if m.Title == "" {
			return fmt.Errorf("config: markets[%d] has no title", i)
		}
	}
	return nil
}
