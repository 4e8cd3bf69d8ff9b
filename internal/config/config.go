// Package config defines the daemon configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LMSR_* environment variables.
type Config struct {
	Market   MarketConfig   `toml:"market"`
	Store    StoreConfig    `toml:"store"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Custody  CustodyConfig  `toml:"custody"`
	Oracle   OracleConfig   `toml:"oracle"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// MarketConfig holds the parameters applied to every new market and to
// resolution.
type MarketConfig struct {
	Liquidity          float64  `toml:"liquidity"`
	TokenDecimals      int      `toml:"token_decimals"`
	MaxStaleness       duration `toml:"max_staleness"`
	MaxConfidenceRatio float64  `toml:"max_confidence_ratio"` // 0 disables
	LockTTL            duration `toml:"lock_ttl"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres
}

// SQLiteConfig holds the embedded ledger location.
type SQLiteConfig struct {
	Path string `toml:"path"`
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

// RedisConfig holds Redis connection parameters. When disabled the daemon
// runs single-instance without cache, distributed locks or events.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	Prefix         string   `toml:"prefix"`
	MarketCacheTTL duration `toml:"market_cache_ttl"`
	LockWait       duration `toml:"lock_wait"`
}

// CustodyConfig selects where settlement tokens live.
type CustodyConfig struct {
	Driver string    `toml:"driver"` // memory | redis | evm
	EVM    EVMConfig `toml:"evm"`
}

// EVMConfig holds the on-chain custody parameters.
type EVMConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	TokenAddress     string   `toml:"token_address"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	GasLimit         uint64   `toml:"gas_limit"` // 0 estimates
	PollInterval     duration `toml:"poll_interval"`
	ReceiptTimeout   duration `toml:"receipt_timeout"`
}

// OracleConfig selects the price source for resolution.
type OracleConfig struct {
	Driver    string   `toml:"driver"` // pyth | cache
	HermesURL string   `toml:"hermes_url"`
	Timeout   duration `toml:"timeout"`
	// Lookback is how far before the window end a late resolution reads the
	// historical price.
	Lookback duration `toml:"lookback"`
}

// S3Config holds the settlement archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSize       int64  `toml:"part_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// PipelineConfig schedules the background jobs. A zero interval or empty
// cron disables the job.
type PipelineConfig struct {
	ResolveInterval duration `toml:"resolve_interval"`
	PriceInterval   duration `toml:"price_interval"`
	ArchiveCron     string   `toml:"archive_cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// Defaults returns a Config that runs a single in-process instance on an
// embedded ledger with in-memory custody.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			Liquidity:     100,
			TokenDecimals: 6,
			MaxStaleness:  duration{60 * time.Second},
			LockTTL:       duration{10 * time.Second},
		},
		Store:  StoreConfig{Driver: "sqlite"},
		SQLite: SQLiteConfig{Path: "lmsr.db"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "lmsr",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			Prefix:         "lmsr",
			MarketCacheTTL: duration{5 * time.Minute},
			LockWait:       duration{5 * time.Second},
		},
		Custody: CustodyConfig{
			Driver: "memory",
			EVM: EVMConfig{
				ChainID:        137,
				PollInterval:   duration{2 * time.Second},
				ReceiptTimeout: duration{time.Minute},
			},
		},
		Oracle: OracleConfig{
			Driver:    "pyth",
			HermesURL: "https://hermes.pyth.network",
			Timeout:   duration{10 * time.Second},
			Lookback:  duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lmsr-settlements",
			ForcePathStyle: true,
			PartSize:       5 << 20,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       0,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market.resolved", "reconcile.alert"},
		},
		Pipeline: PipelineConfig{
			ResolveInterval: duration{30 * time.Second},
			PriceInterval:   duration{10 * time.Second},
			ArchiveCron:     "0 3 * * *",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve":    true,
	"resolver": true,
	"full":     true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: serve, resolver, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Market
	if c.Market.Liquidity <= 0 {
		add("market: liquidity must be > 0")
	}
	if c.Market.TokenDecimals < 0 || c.Market.TokenDecimals > 18 {
		add("market: token_decimals must be 0-18, got %d", c.Market.TokenDecimals)
	}
	if c.Market.MaxStaleness.Duration <= 0 {
		add("market: max_staleness must be > 0")
	}
	if c.Market.MaxConfidenceRatio < 0 {
		add("market: max_confidence_ratio must be >= 0")
	}

	// Store
	switch c.Store.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			add("sqlite: path must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be 0-pool_max_conns")
		}
	default:
		add("store: unknown driver %q (valid: sqlite, postgres)", c.Store.Driver)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// Custody
	switch c.Custody.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			add("custody: driver redis requires redis.enabled")
		}
	case "evm":
		e := c.Custody.EVM
		if e.RPCURL == "" {
			add("custody.evm: rpc_url must not be empty")
		}
		if e.ChainID <= 0 {
			add("custody.evm: chain_id must be positive")
		}
		if !common.IsHexAddress(e.TokenAddress) {
			add("custody.evm: token_address %q is not a hex address", e.TokenAddress)
		}
		if e.PrivateKey == "" && e.EncryptedKeyPath == "" {
			add("custody.evm: either private_key or encrypted_key_path must be set")
		}
		if e.EncryptedKeyPath != "" && e.KeyPassword == "" {
			add("custody.evm: key_password is required when encrypted_key_path is set")
		}
		if e.ReceiptTimeout.Duration <= 0 {
			add("custody.evm: receipt_timeout must be positive")
		} else if c.Redis.Enabled && c.Market.LockTTL.Duration <= e.ReceiptTimeout.Duration {
			add("custody.evm: market.lock_ttl (%s) must exceed receipt_timeout (%s) so the market lock outlives a transfer",
				c.Market.LockTTL.Duration, e.ReceiptTimeout.Duration)
		}
	default:
		add("custody: unknown driver %q (valid: memory, redis, evm)", c.Custody.Driver)
	}

	// Oracle
	switch c.Oracle.Driver {
	case "pyth":
	case "cache":
		if !c.Redis.Enabled {
			add("oracle: driver cache requires redis.enabled")
		}
	default:
		add("oracle: unknown driver %q (valid: pyth, cache)", c.Oracle.Driver)
	}
	if c.Oracle.HermesURL == "" {
		add("oracle: hermes_url must not be empty")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			add("s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			add("server: rate_limit requires redis.enabled (set rate_limit = 0 to disable)")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
