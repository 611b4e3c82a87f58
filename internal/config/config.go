// Package config defines the marketforge configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/scheduler"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by FORGE_* environment variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Relayer    RelayerConfig    `toml:"relayer"`
	AI         AIConfig         `toml:"ai"`
	Providers  ProvidersConfig  `toml:"providers"`
	Queue      QueueConfig      `toml:"queue"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Settlement SettlementConfig `toml:"settlement"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
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

// RedisConfig holds Redis connection parameters. URL, when set, wins over
// the individual fields.
type RedisConfig struct {
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for avatars and market images.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig holds the chain endpoint, contract addresses and the
// operator key that signs settlement transactions.
type LedgerConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	MarketContract   string   `toml:"market_contract"`
	TokenContract    string   `toml:"token_contract"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	ReceiptTimeout   duration `toml:"receipt_timeout"`
}

// RelayerConfig holds the FHE relayer endpoint and credentials.
type RelayerConfig struct {
	URL       string   `toml:"url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
	// EIP-712 domain of decryption requests.
	DomainName    string `toml:"domain_name"`
	DomainVersion string `toml:"domain_version"`
}

// AIConfig configures the OpenAI client.
type AIConfig struct {
	APIKey        string   `toml:"api_key"`
	BaseURL       string   `toml:"base_url"`
	Model         string   `toml:"model"`
	ResearchModel string   `toml:"research_model"`
	ImageModel    string   `toml:"image_model"`
	ImageSize     string   `toml:"image_size"`
	MaxRetries    int      `toml:"max_retries"`
	Timeout       duration `toml:"timeout"`
}

// ProvidersConfig holds the resolution data providers.
type ProvidersConfig struct {
	CoinGeckoURL    string `toml:"coingecko_url"`
	CoinGeckoAPIKey string `toml:"coingecko_api_key"`
	SportsDBURL     string `toml:"sportsdb_url"`
	BraveURL        string `toml:"brave_url"`
	BraveAPIKey     string `toml:"brave_api_key"`
}

// QueueConfig tunes the job runtime. Per-queue concurrency and rate limits
// are fixed in code.
type QueueConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	BackoffBase  duration `toml:"backoff_base"`
	BackoffMax   duration `toml:"backoff_max"`
	PollInterval duration `toml:"poll_interval"`
	StaleAfter   duration `toml:"stale_after"`
	JobTimeout   duration `toml:"job_timeout"`
}

// SchedulerConfig drives the periodic enqueuers.
type SchedulerConfig struct {
	GenerateCron    string   `toml:"generate_cron"`
	GenerateCount   int      `toml:"generate_count"`
	Timeframe       string   `toml:"timeframe"`
	Categories      []string `toml:"categories"`
	ResolveInterval duration `toml:"resolve_interval"`
	ResolveBatch    int      `toml:"resolve_batch"`
	RunOnStart      bool     `toml:"run_on_start"`
}

// SettlementConfig bounds the decrypt-totals retry loop.
type SettlementConfig struct {
	MaxAttempts   int      `toml:"max_attempts"`
	RetryDelay    duration `toml:"retry_delay"`
	MaxRetryDelay duration `toml:"max_retry_delay"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Prefix            string   `toml:"prefix"`
}

// ServerConfig controls the ops HTTP server: health, Prometheus metrics and
// the admin API.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	// APIKey guards /api routes; empty disables authentication.
	APIKey             string `toml:"api_key"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

// duration is a time.Duration that decodes from TOML strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values of config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketforge",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketforge",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			ChainID:        11155111,
			ReceiptTimeout: duration{2 * time.Minute},
		},
		Relayer: RelayerConfig{
			Timeout:       duration{30 * time.Second},
			DomainName:    "Decryption",
			DomainVersion: "1",
		},
		AI: AIConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "gpt-4.1-mini",
			ImageModel: "gpt-image-1",
			ImageSize:  "1024x1024",
			MaxRetries: 3,
			Timeout:    duration{2 * time.Minute},
		},
		Providers: ProvidersConfig{
			CoinGeckoURL: "https://api.coingecko.com/api/v3",
			SportsDBURL:  "https://www.thesportsdb.com/api/v1/json/3",
			BraveURL:     "https://api.search.brave.com/res/v1",
		},
		Queue: QueueConfig{
			MaxAttempts:  3,
			BackoffBase:  duration{5 * time.Second},
			BackoffMax:   duration{5 * time.Minute},
			PollInterval: duration{time.Second},
			StaleAfter:   duration{15 * time.Minute},
			JobTimeout:   duration{5 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			GenerateCron:    "0 */6 * * *",
			GenerateCount:   5,
			Timeframe:       "1-4 weeks",
			ResolveInterval: duration{time.Minute},
			ResolveBatch:    100,
		},
		Settlement: SettlementConfig{
			MaxAttempts:   3,
			RetryDelay:    duration{30 * time.Second},
			MaxRetryDelay: duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"settlement_failed", "market_invalid"},
		},
		Server: ServerConfig{
			Enabled:            true,
			Addr:               ":9090",
			RateLimitPerMinute: 60,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Run modes.
const (
	ModeWorker    = "worker"
	ModeScheduler = "scheduler"
	ModeFull      = "full"
)

var validModes = map[string]bool{
	ModeWorker:    true,
	ModeScheduler: true,
	ModeFull:      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsWorkers reports whether the mode consumes queues.
func (c *Config) RunsWorkers() bool { return c.Mode == ModeWorker || c.Mode == ModeFull }

// RunsScheduler reports whether the mode enqueues periodic work.
func (c *Config) RunsScheduler() bool { return c.Mode == ModeScheduler || c.Mode == ModeFull }

// Validate checks Config for invalid or missing values and returns one error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	c.Mode = strings.ToLower(c.Mode)
	if !validModes[c.Mode] {
		add("unknown mode %q (valid: worker, scheduler, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			add("database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			add("database: port must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.Database == "" {
			add("database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		add("database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		add("database: pool_min_conns must be within 0..pool_max_conns")
	}

	// Redis
	if c.Redis.URL == "" && c.Redis.Addr == "" {
		add("redis: addr or url must be set")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// Queue
	if c.Queue.MaxAttempts < 1 {
		add("queue: max_attempts must be >= 1")
	}
	if c.Queue.BackoffBase.Duration <= 0 || c.Queue.BackoffMax.Duration < c.Queue.BackoffBase.Duration {
		add("queue: backoff_base must be > 0 and <= backoff_max")
	}
	if c.Queue.PollInterval.Duration <= 0 {
		add("queue: poll_interval must be > 0")
	}

	if c.RunsWorkers() {
		c.validateWorker(add)
	}
	if c.RunsScheduler() {
		c.validateScheduler(add)
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must be set when enabled")
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server: rate_limit_per_minute must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateWorker(add func(string, ...any)) {
	if c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	if c.AI.APIKey == "" {
		add("ai: api_key is required for mode %s", c.Mode)
	}
	if c.Providers.BraveAPIKey == "" {
		add("providers: brave_api_key is required for WEB_SEARCH resolution")
	}

	if c.Ledger.RPCURL == "" {
		add("ledger: rpc_url must not be empty")
	}
	if c.Ledger.ChainID <= 0 {
		add("ledger: chain_id must be positive")
	}
	if !isHexAddress(c.Ledger.MarketContract) {
		add("ledger: market_contract must be a 0x-prefixed 20-byte address")
	}
	if !isHexAddress(c.Ledger.TokenContract) {
		add("ledger: token_contract must be a 0x-prefixed 20-byte address")
	}
	if c.Ledger.PrivateKey == "" && c.Ledger.EncryptedKeyPath == "" {
		add("ledger: either private_key or encrypted_key_path must be set")
	}
	if c.Ledger.EncryptedKeyPath != "" && c.Ledger.KeyPassword == "" {
		add("ledger: key_password is required when encrypted_key_path is set")
	}

	if c.Relayer.URL == "" {
		add("relayer: url must not be empty")
	}
	if (c.Relayer.APIKey == "") != (c.Relayer.APISecret == "") {
		add("relayer: api_key and api_secret must be set together")
	}

	if c.Settlement.MaxAttempts < 1 {
		add("settlement: max_attempts must be >= 1")
	}
	if c.Settlement.RetryDelay.Duration <= 0 {
		add("settlement: retry_delay must be > 0")
	}
}

func (c *Config) validateScheduler(add func(string, ...any)) {
	if _, err := scheduler.ParseCron(c.Scheduler.GenerateCron); err != nil {
		add("scheduler: generate_cron: %v", err)
	}
	if c.Scheduler.GenerateCount < 1 || c.Scheduler.GenerateCount > 20 {
		add("scheduler: generate_count must be within 1-20, got %d", c.Scheduler.GenerateCount)
	}
	if strings.TrimSpace(c.Scheduler.Timeframe) == "" {
		add("scheduler: timeframe must not be empty")
	}
	for _, cat := range c.Scheduler.Categories {
		if !domain.ValidCategory(cat) {
			add("scheduler: unknown category %q", cat)
		}
	}
	if c.Scheduler.ResolveInterval.Duration < time.Second {
		add("scheduler: resolve_interval must be >= 1s")
	}
}

func isHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
