package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when empty) over Defaults, then
// applies LMSR_* environment overrides, reading a .env file first if one is
// present. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setFloat64(&cfg.Market.Liquidity, "LMSR_MARKET_LIQUIDITY")
	setInt(&cfg.Market.TokenDecimals, "LMSR_MARKET_TOKEN_DECIMALS")
	setDuration(&cfg.Market.MaxStaleness, "LMSR_MARKET_MAX_STALENESS")
	setFloat64(&cfg.Market.MaxConfidenceRatio, "LMSR_MARKET_MAX_CONFIDENCE_RATIO")
	setDuration(&cfg.Market.LockTTL, "LMSR_MARKET_LOCK_TTL")

	// ── Store ──
	setStr(&cfg.Store.Driver, "LMSR_STORE_DRIVER")
	setStr(&cfg.SQLite.Path, "LMSR_SQLITE_PATH")
	setStr(&cfg.Postgres.DSN, "LMSR_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LMSR_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LMSR_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LMSR_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LMSR_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LMSR_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LMSR_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LMSR_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LMSR_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LMSR_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LMSR_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LMSR_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LMSR_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LMSR_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LMSR_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "LMSR_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "LMSR_REDIS_PREFIX")

	// ── Custody ──
	setStr(&cfg.Custody.Driver, "LMSR_CUSTODY_DRIVER")
	setStr(&cfg.Custody.EVM.RPCURL, "LMSR_CUSTODY_EVM_RPC_URL")
	setInt64(&cfg.Custody.EVM.ChainID, "LMSR_CUSTODY_EVM_CHAIN_ID")
	setStr(&cfg.Custody.EVM.TokenAddress, "LMSR_CUSTODY_EVM_TOKEN_ADDRESS")
	setStr(&cfg.Custody.EVM.PrivateKey, "LMSR_CUSTODY_EVM_PRIVATE_KEY")
	setStr(&cfg.Custody.EVM.EncryptedKeyPath, "LMSR_CUSTODY_EVM_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Custody.EVM.KeyPassword, "LMSR_CUSTODY_EVM_KEY_PASSWORD")
	setDuration(&cfg.Custody.EVM.ReceiptTimeout, "LMSR_CUSTODY_EVM_RECEIPT_TIMEOUT")

	// ── Oracle ──
	setStr(&cfg.Oracle.Driver, "LMSR_ORACLE_DRIVER")
	setStr(&cfg.Oracle.HermesURL, "LMSR_ORACLE_HERMES_URL")
	setDuration(&cfg.Oracle.Lookback, "LMSR_ORACLE_LOOKBACK")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LMSR_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LMSR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LMSR_S3_REGION")
	setStr(&cfg.S3.Bucket, "LMSR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LMSR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LMSR_S3_SECRET_KEY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LMSR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LMSR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LMSR_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LMSR_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LMSR_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LMSR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LMSR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LMSR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LMSR_NOTIFY_EVENTS")

	// ── Pipeline ──
	setDuration(&cfg.Pipeline.ResolveInterval, "LMSR_PIPELINE_RESOLVE_INTERVAL")
	setDuration(&cfg.Pipeline.PriceInterval, "LMSR_PIPELINE_PRICE_INTERVAL")
	setStr(&cfg.Pipeline.ArchiveCron, "LMSR_PIPELINE_ARCHIVE_CRON")

	// ── Top-level ──
	setStr(&cfg.Mode, "LMSR_MODE")
	setStr(&cfg.LogLevel, "LMSR_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func setInt64(dst *int64, key string) {
	if n, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		*dst = n
	}
}

func setFloat64(dst *float64, key string) {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		*dst = f
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
