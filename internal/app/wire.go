package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	s3blob "github.com/alanyoungcy/veilbet/internal/blob/s3"
	"github.com/alanyoungcy/veilbet/internal/cache/redis"
	"github.com/alanyoungcy/veilbet/internal/config"
	"github.com/alanyoungcy/veilbet/internal/crypto"
	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/engine"
	"github.com/alanyoungcy/veilbet/internal/events"
	"github.com/alanyoungcy/veilbet/internal/fhe"
	"github.com/alanyoungcy/veilbet/internal/mirror"
	"github.com/alanyoungcy/veilbet/internal/notify"
	"github.com/alanyoungcy/veilbet/internal/oracle"
	"github.com/alanyoungcy/veilbet/internal/service"
	"github.com/alanyoungcy/veilbet/internal/settlement"
	"github.com/alanyoungcy/veilbet/internal/store/postgres"
	"github.com/alanyoungcy/veilbet/internal/token"
)

// Dependencies bundles everything the application modes need to operate.
// It is constructed by Wire and torn down by the returned cleanup function.
// Fields are nil when the configuration leaves their tier disabled.
type Dependencies struct {
	// Core engine (nil in serve and mirror modes).
	Admin        common.Address
	Custody      common.Address
	Backend      fhe.Backend
	Token        *token.TransparentLedger
	Conf         *token.ConfidentialLedger
	Emitter      *events.Emitter
	Engine       *engine.Ledger
	KMS          *oracle.KMS
	Orchestrator *settlement.Orchestrator

	// Redis tier.
	RedisClient *redis.Client
	SignalBus   domain.SignalBus
	MarketCache domain.MarketCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Postgres mirror tier.
	PGClient    *postgres.Client
	Journal     domain.EventJournal
	MarketStore domain.MarketMirrorStore
	BetStore    domain.BetMirrorStore

	// Blob tier.
	Archiver domain.Archiver

	// Projections and queries.
	Projector *mirror.Projector
	Query     *service.MarketQuery
}

// hasEngine returns true for modes that run the ledgers in-process.
func hasEngine(mode string) bool {
	switch mode {
	case "full", "demo":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to call
// on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RedisClient = redisClient
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
	}

	// --- PostgreSQL mirror ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PGClient = pgClient
		deps.Journal = postgres.NewEventStore(pool)
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.BetStore = postgres.NewBetStore(pool)
	}

	// --- Core engine ---
	deps.Emitter = events.NewEmitter(logger)

	if hasEngine(mode) {
		if err := wireEngine(cfg, mode, deps, logger); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	// --- Event fan-out ---
	//
	// With Redis the emitter publishes to the bus and the projector (run by
	// the mode) consumes it back; without Redis but with Postgres, the
	// projector is attached directly as a synchronous sink.
	if cfg.Postgres.Enabled {
		var ledgerReader mirror.LedgerReader
		if deps.Engine != nil {
			ledgerReader = deps.Engine
		}
		deps.Projector = mirror.New(
			deps.SignalBus,
			redis.EventChannel,
			deps.Journal,
			deps.MarketStore,
			deps.BetStore,
			deps.MarketCache,
			ledgerReader,
			logger.With(slog.String("component", "mirror")),
		)
	}
	if cfg.Redis.Enabled {
		bus, ok := deps.SignalBus.(*redis.SignalBus)
		if ok {
			deps.Emitter.AddSink(redis.NewEventPublisher(bus))
		}
	} else if deps.Projector != nil {
		deps.Emitter.AddSink(deps.Projector)
	}

	// --- Operator alerts ---
	if cfg.Notify.Enabled {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
			senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
		}
		if cfg.Notify.DiscordWebhookURL != "" {
			senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
		}
		if len(senders) > 0 {
			evs := make([]domain.EventType, 0, len(cfg.Notify.Events))
			for _, e := range cfg.Notify.Events {
				evs = append(evs, domain.EventType(e))
			}
			deps.Emitter.AddSink(notify.NewAlertSink(senders, evs, logger))
		}
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewEventArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Journal,
			deps.MarketStore,
			logger.With(slog.String("component", "archiver")),
		)
	}

	// --- Read queries ---
	var ledgerReader service.LedgerReader
	if deps.Engine != nil {
		ledgerReader = deps.Engine
	}
	deps.Query = service.NewMarketQuery(
		ledgerReader,
		deps.MarketStore,
		deps.BetStore,
		deps.Journal,
		deps.MarketCache,
		logger.With(slog.String("component", "query")),
	)

	return deps, cleanup, nil
}

// wireEngine builds the FHE backend, both ledgers, the oracle, and the
// settlement orchestrator.
func wireEngine(cfg *config.Config, mode string, deps *Dependencies, logger *slog.Logger) error {
	adminKey, err := resolveKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Admin.PrivateKey,
		EncryptedKeyPath: cfg.Admin.EncryptedKeyPath,
		KeyPassword:      cfg.Admin.KeyPassword,
	}, mode == "demo")
	if err != nil {
		return fmt.Errorf("wire: admin key: %w", err)
	}
	adminAddrHex, err := crypto.AddressOf(adminKey)
	if err != nil {
		return fmt.Errorf("wire: admin key: %w", err)
	}
	deps.Admin = common.HexToAddress(adminAddrHex)

	kmsKey, err := resolveKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.KMS.PrivateKey,
		EncryptedKeyPath: cfg.KMS.EncryptedKeyPath,
		KeyPassword:      cfg.KMS.KeyPassword,
	}, mode == "demo")
	if err != nil {
		return fmt.Errorf("wire: kms key: %w", err)
	}

	deps.Backend = fhe.NewShadowBackend()
	deps.Token = token.NewTransparentLedger()
	deps.Custody = token.PrincipalFromName("veilbet/custody")

	conf, err := token.NewConfidentialLedger(
		deps.Backend, deps.Token, deps.Custody, cfg.Ledger.UnitScale, deps.Emitter,
	)
	if err != nil {
		return fmt.Errorf("wire: confidential ledger: %w", err)
	}
	deps.Conf = conf

	kms, err := oracle.NewKMS(deps.Backend, kmsKey, logger.With(slog.String("component", "kms")))
	if err != nil {
		return fmt.Errorf("wire: kms: %w", err)
	}
	deps.KMS = kms

	trusted := []common.Address{kms.Address()}
	for _, s := range cfg.KMS.TrustedSigners {
		addr := common.HexToAddress(s)
		if addr != kms.Address() {
			trusted = append(trusted, addr)
		}
	}

	ledger, err := engine.NewLedger(engine.Config{
		Admin:               deps.Admin,
		TrustedKMS:          trusted,
		EnforceVotingWindow: cfg.Engine.EnforceVotingWindow,
	}, deps.Backend, conf, deps.Emitter, logger.With(slog.String("component", "engine")))
	if err != nil {
		return fmt.Errorf("wire: engine: %w", err)
	}
	deps.Engine = ledger

	locks := deps.LockManager
	if locks == nil {
		locks = settlement.NewMemoryLockManager()
	}
	deps.Orchestrator = settlement.New(settlement.Config{
		Admin:         deps.Admin,
		OracleTimeout: cfg.Orchestrator.OracleTimeout.Duration,
		OracleRetries: cfg.Orchestrator.OracleRetries,
		RetryBackoff:  cfg.Orchestrator.RetryBackoff.Duration,
	}, ledger, kms, locks, logger.With(slog.String("component", "settlement")))

	return nil
}

// resolveKey loads a private key from config, or generates an ephemeral one
// when none is configured and generation is permitted (demo mode).
func resolveKey(kc crypto.KeyConfig, allowGenerate bool) (string, error) {
	if kc.RawPrivateKey == "" && kc.EncryptedKeyPath == "" {
		if !allowGenerate {
			return "", fmt.Errorf("no key source configured")
		}
		return crypto.GenerateKey()
	}
	key, err := crypto.LoadKey(kc)
	if err != nil {
		return "", err
	}
	// Fail early on keys that cannot sign.
	if _, err := ethcrypto.HexToECDSA(key); err != nil {
		return "", fmt.Errorf("invalid secp256k1 key: %w", err)
	}
	return key, nil
}
