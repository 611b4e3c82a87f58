package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/marketforge/internal/blob/s3"
	"github.com/alanyoungcy/marketforge/internal/cache/redis"
	"github.com/alanyoungcy/marketforge/internal/config"
	"github.com/alanyoungcy/marketforge/internal/crypto"
	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/generation"
	"github.com/alanyoungcy/marketforge/internal/jobs"
	"github.com/alanyoungcy/marketforge/internal/notify"
	"github.com/alanyoungcy/marketforge/internal/platform/brave"
	"github.com/alanyoungcy/marketforge/internal/platform/chain"
	"github.com/alanyoungcy/marketforge/internal/platform/coingecko"
	"github.com/alanyoungcy/marketforge/internal/platform/openai"
	"github.com/alanyoungcy/marketforge/internal/platform/relayer"
	"github.com/alanyoungcy/marketforge/internal/platform/sportsdb"
	"github.com/alanyoungcy/marketforge/internal/queue"
	"github.com/alanyoungcy/marketforge/internal/resolution"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/settlement"
	"github.com/alanyoungcy/marketforge/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	JobStore        domain.JobStore
	MarketStore     domain.MarketStore
	SettlementStore domain.SettlementStore
	ProfileStore    domain.ProfileStore
	AuditStore      domain.AuditStore

	// Redis
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Storage  domain.StorageClient
	Notifier *notify.Notifier

	Registry *prometheus.Registry
	Runtime  *queue.Runtime

	// Checks are pinged by the health endpoint.
	Checks map[string]handler.Pinger
}

// Settlement holds the on-chain half of the graph. Only modes that run
// workers or claims build it, since it needs the operator key.
type Settlement struct {
	Ledger    *chain.Ledger
	Decrypter *settlement.Decrypter
	Claims    *settlement.ClaimService
}

// Wire constructs the shared infrastructure from cfg and returns it together
// with a cleanup function that releases it in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.Checks["postgres"] = pgClient
	pool := pgClient.Pool()
	deps.JobStore = postgres.NewJobStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.SettlementStore = postgres.NewSettlementStore(pool)
	deps.ProfileStore = postgres.NewProfileStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		URL:        cfg.Redis.URL,
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

	deps.Checks["redis"] = redisClient
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 blob storage (image jobs only) ---
	if cfg.RunsWorkers() {
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
		deps.Storage = s3blob.NewStorage(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Options{
		Events: cfg.Notify.Events,
		Prefix: cfg.Notify.Prefix,
	}, logger)

	// --- Queue runtime ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Runtime = queue.NewRuntime(jobs.QueueConfigs(), queue.Options{
		Store:             deps.JobStore,
		Limiter:           deps.RateLimiter,
		Bus:               deps.SignalBus,
		Metrics:           queue.NewMetrics(deps.Registry),
		Logger:            logger,
		Backoff:           queue.Backoff{Base: cfg.Queue.BackoffBase.Duration, Max: cfg.Queue.BackoffMax.Duration},
		MaxAttempts:       cfg.Queue.MaxAttempts,
		PollInterval:      cfg.Queue.PollInterval.Duration,
		StaleAfter:        cfg.Queue.StaleAfter.Duration,
		DefaultJobTimeout: cfg.Queue.JobTimeout.Duration,
	})

	return deps, cleanup, nil
}

// WireSettlement loads the operator key, dials the ledger and builds the
// decrypt-totals state machine and the claim service on top of deps.
func WireSettlement(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Settlement, func(), error) {
	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey:    cfg.Ledger.PrivateKey,
		EncryptedKeyPath: cfg.Ledger.EncryptedKeyPath,
		KeyPassword:      cfg.Ledger.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: settlement key: %w", err)
	}

	ledger, closeLedger, err := chain.Dial(ctx, cfg.Ledger.RPCURL, key, chain.Config{
		ChainID:        cfg.Ledger.ChainID,
		MarketContract: cfg.Ledger.MarketContract,
		TokenContract:  cfg.Ledger.TokenContract,
		ReceiptTimeout: cfg.Ledger.ReceiptTimeout.Duration,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: ledger: %w", err)
	}

	signer := crypto.NewSigner(key, cfg.Relayer.DomainName, cfg.Relayer.DomainVersion,
		cfg.Ledger.ChainID, cfg.Ledger.MarketContract)
	decryptor := relayer.NewClient(cfg.Relayer.URL,
		crypto.APIAuth{Key: cfg.Relayer.APIKey, Secret: cfg.Relayer.APISecret},
		signer, cfg.Relayer.Timeout.Duration)

	decrypter := settlement.NewDecrypter(settlement.DecrypterConfig{
		Queue:         jobs.DecryptTotals,
		MaxAttempts:   cfg.Settlement.MaxAttempts,
		RetryDelay:    cfg.Settlement.RetryDelay.Duration,
		MaxRetryDelay: cfg.Settlement.MaxRetryDelay.Duration,
	}, ledger, decryptor, deps.MarketStore, deps.SettlementStore, deps.AuditStore,
		deps.Notifier, deps.Runtime, logger)

	return &Settlement{
		Ledger:    ledger,
		Decrypter: decrypter,
		Claims:    settlement.NewClaimService(ledger, deps.SettlementStore, deps.AuditStore, logger),
	}, closeLedger, nil
}

// WireHandlers builds the AI client, the resolution providers and the job
// handlers, and registers one worker per queue on deps.Runtime.
func WireHandlers(cfg *config.Config, deps *Dependencies, st *Settlement, logger *slog.Logger) (*jobs.Handlers, error) {
	ai := openai.New(openai.Config{
		APIKey:        cfg.AI.APIKey,
		BaseURL:       cfg.AI.BaseURL,
		Model:         cfg.AI.Model,
		ResearchModel: cfg.AI.ResearchModel,
		ImageModel:    cfg.AI.ImageModel,
		ImageSize:     cfg.AI.ImageSize,
		MaxRetries:    cfg.AI.MaxRetries,
		Timeout:       cfg.AI.Timeout.Duration,
	}, logger)

	engine := resolution.NewEngine(deps.MarketStore, map[domain.StrategyType]resolution.Resolver{
		domain.StrategyPrice: resolution.NewPriceResolver(
			coingecko.NewClient(cfg.Providers.CoinGeckoURL, cfg.Providers.CoinGeckoAPIKey)),
		domain.StrategySports: resolution.NewSportsResolver(
			sportsdb.NewClient(cfg.Providers.SportsDBURL)),
		domain.StrategyWebSearch: resolution.NewWebSearchResolver(
			brave.NewClient(cfg.Providers.BraveURL, cfg.Providers.BraveAPIKey), ai, logger),
	}, logger)

	h := jobs.NewHandlers(jobs.Deps{
		Generator:   generation.NewPipeline(ai, deps.MarketStore, logger),
		Resolver:    engine,
		Decrypter:   st.Decrypter,
		Markets:     deps.MarketStore,
		Settlements: deps.SettlementStore,
		Profiles:    deps.ProfileStore,
		Storage:     deps.Storage,
		AI:          ai,
		Alerter:     deps.Notifier,
		Enqueuer:    deps.Runtime,
		Logger:      logger,
	})
	if err := jobs.Register(deps.Runtime, h); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return h, nil
}
