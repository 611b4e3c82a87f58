package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FORGE_"

// Load merges the TOML file at path over Defaults, loads .env if present and
// applies FORGE_* overrides. A missing file is not an error when path is
// empty. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose FORGE_* variable is set, so
// secrets can be injected at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// database
	setStr(&cfg.Database.DSN, "DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.Host, "DATABASE_HOST")
	setInt(&cfg.Database.Port, "DATABASE_PORT")
	setStr(&cfg.Database.Database, "DATABASE_NAME")
	setStr(&cfg.Database.User, "DATABASE_USER")
	setStr(&cfg.Database.Password, "DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "DATABASE_RUN_MIGRATIONS")

	// redis
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// s3
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ledger
	setStr(&cfg.Ledger.RPCURL, "LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.MarketContract, "LEDGER_MARKET_CONTRACT")
	setStr(&cfg.Ledger.TokenContract, "LEDGER_TOKEN_CONTRACT")
	setStr(&cfg.Ledger.PrivateKey, "LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.EncryptedKeyPath, "LEDGER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Ledger.KeyPassword, "LEDGER_KEY_PASSWORD")
	setDuration(&cfg.Ledger.ReceiptTimeout, "LEDGER_RECEIPT_TIMEOUT")

	// relayer
	setStr(&cfg.Relayer.URL, "RELAYER_URL")
	setStr(&cfg.Relayer.APIKey, "RELAYER_API_KEY")
	setStr(&cfg.Relayer.APISecret, "RELAYER_API_SECRET")
	setDuration(&cfg.Relayer.Timeout, "RELAYER_TIMEOUT")

	// ai
	setStr(&cfg.AI.APIKey, "AI_API_KEY")
	setStr(&cfg.AI.APIKey, "OPENAI_API_KEY")
	setStr(&cfg.AI.BaseURL, "AI_BASE_URL")
	setStr(&cfg.AI.Model, "AI_MODEL")
	setStr(&cfg.AI.ResearchModel, "AI_RESEARCH_MODEL")
	setStr(&cfg.AI.ImageModel, "AI_IMAGE_MODEL")
	setInt(&cfg.AI.MaxRetries, "AI_MAX_RETRIES")
	setDuration(&cfg.AI.Timeout, "AI_TIMEOUT")

	// providers
	setStr(&cfg.Providers.CoinGeckoURL, "PROVIDERS_COINGECKO_URL")
	setStr(&cfg.Providers.CoinGeckoAPIKey, "PROVIDERS_COINGECKO_API_KEY")
	setStr(&cfg.Providers.SportsDBURL, "PROVIDERS_SPORTSDB_URL")
	setStr(&cfg.Providers.BraveURL, "PROVIDERS_BRAVE_URL")
	setStr(&cfg.Providers.BraveAPIKey, "PROVIDERS_BRAVE_API_KEY")

	// queue
	setInt(&cfg.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS")
	setDuration(&cfg.Queue.BackoffBase, "QUEUE_BACKOFF_BASE")
	setDuration(&cfg.Queue.BackoffMax, "QUEUE_BACKOFF_MAX")
	setDuration(&cfg.Queue.PollInterval, "QUEUE_POLL_INTERVAL")
	setDuration(&cfg.Queue.StaleAfter, "QUEUE_STALE_AFTER")
	setDuration(&cfg.Queue.JobTimeout, "QUEUE_JOB_TIMEOUT")

	// scheduler
	setStr(&cfg.Scheduler.GenerateCron, "SCHEDULER_GENERATE_CRON")
	setInt(&cfg.Scheduler.GenerateCount, "SCHEDULER_GENERATE_COUNT")
	setStr(&cfg.Scheduler.Timeframe, "SCHEDULER_TIMEFRAME")
	setStringSlice(&cfg.Scheduler.Categories, "SCHEDULER_CATEGORIES")
	setDuration(&cfg.Scheduler.ResolveInterval, "SCHEDULER_RESOLVE_INTERVAL")
	setInt(&cfg.Scheduler.ResolveBatch, "SCHEDULER_RESOLVE_BATCH")
	setBool(&cfg.Scheduler.RunOnStart, "SCHEDULER_RUN_ON_START")

	// settlement
	setInt(&cfg.Settlement.MaxAttempts, "SETTLEMENT_MAX_ATTEMPTS")
	setDuration(&cfg.Settlement.RetryDelay, "SETTLEMENT_RETRY_DELAY")
	setDuration(&cfg.Settlement.MaxRetryDelay, "SETTLEMENT_MAX_RETRY_DELAY")

	// notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
	setStr(&cfg.Notify.Prefix, "NOTIFY_PREFIX")

	// server
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "SERVER_RATE_LIMIT_PER_MINUTE")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Typed env helpers. Each only mutates the target when FORGE_<key> is set
// and parses.

func env(key string) string { return os.Getenv(EnvPrefix + key) }

func setStr(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := env(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := env(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := env(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := env(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := env(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
