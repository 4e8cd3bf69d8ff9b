package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/lmsrmarket/internal/blob/s3"
	"github.com/alanyoungcy/lmsrmarket/internal/cache/redis"
	"github.com/alanyoungcy/lmsrmarket/internal/config"
	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/custody/evm"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/notify"
	"github.com/alanyoungcy/lmsrmarket/internal/oracle"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/pyth"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/store/postgres"
	"github.com/alanyoungcy/lmsrmarket/internal/store/sqlite"
)

// Dependencies bundles the concrete backends selected by configuration.
// Optional ones are nil when their backend is disabled.
type Dependencies struct {
	Ledger domain.LedgerStore
	Audit  domain.AuditStore

	Custody domain.TokenCustody
	Oracle  domain.PriceOracle
	Pyth    *pyth.Client

	// Redis-backed, nil without redis.
	Locks       domain.LockManager
	MarketCache domain.MarketCache
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// S3-backed, nil without s3.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	Notifier *notify.Notifier

	// Health lists the dependencies reported by /api/health.
	Health map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs every backend named by cfg and returns a cleanup that
// releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	// --- Ledger ---
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, PostgresClientConfig(cfg))
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			applied, err := pg.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "applied migrations", slog.Any("files", applied))
			}
		}
		deps.Ledger = postgres.NewLedgerStore(pg.Pool())
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		deps.Health["postgres"] = pg
	default:
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Ledger = st
		deps.Audit = st
		deps.Health["sqlite"] = st
	}

	// --- Redis ---
	var rc *redis.Client
	if cfg.Redis.Enabled {
		var err error
		rc, err = redis.New(ctx, RedisClientConfig(cfg))
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Locks = redis.NewLockManager(rc, cfg.Redis.LockWait.Duration)
		deps.MarketCache = redis.NewMarketCache(rc, cfg.Redis.MarketCacheTTL.Duration)
		deps.PriceCache = redis.NewPriceCache(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Health["redis"] = rc
	}

	// --- Custody ---
	switch cfg.Custody.Driver {
	case "redis":
		deps.Custody = redis.NewTokenBook(rc)
	case "evm":
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Custody.EVM.PrivateKey,
			EncryptedKeyPath: cfg.Custody.EVM.EncryptedKeyPath,
			KeyPassword:      cfg.Custody.EVM.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: custody key: %w", err))
		}
		c, err := evm.Dial(ctx, cfg.Custody.EVM.RPCURL, key, evm.Config{
			ChainID:        cfg.Custody.EVM.ChainID,
			Token:          cfg.Custody.EVM.TokenAddress,
			GasLimit:       cfg.Custody.EVM.GasLimit,
			PollInterval:   cfg.Custody.EVM.PollInterval.Duration,
			ReceiptTimeout: cfg.Custody.EVM.ReceiptTimeout.Duration,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: evm custody: %w", err))
		}
		closers = append(closers, c.Close)
		deps.Custody = c
	default:
		logger.WarnContext(ctx, "using in-memory custody; balances are lost on restart")
		deps.Custody = custody.NewMemory()
	}

	// --- Oracle ---
	deps.Pyth = pyth.NewClient(cfg.Oracle.HermesURL, cfg.Oracle.Timeout.Duration)
	live := oracle.NewPyth(deps.Pyth, cfg.Oracle.Lookback.Duration, time.Now)
	deps.Oracle = live
	if cfg.Oracle.Driver == "cache" && deps.PriceCache != nil {
		deps.Oracle = oracle.NewCached(deps.PriceCache, live)
	}

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3c, cfg.S3.PartSize)
		deps.BlobReader = s3blob.NewReader(s3c)
		deps.Health["s3"] = pingFunc(s3c.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			logger.WarnContext(ctx, "telegram notifications disabled", slog.String("error", err.Error()))
		} else {
			senders = append(senders, tg)
		}
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}

// PostgresClientConfig maps configuration onto the pgx client.
func PostgresClientConfig(cfg *config.Config) postgres.ClientConfig {
	return postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	}
}

// RedisClientConfig maps configuration onto the redis client.
func RedisClientConfig(cfg *config.Config) redis.ClientConfig {
	return redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Prefix:     cfg.Redis.Prefix,
	}
}
