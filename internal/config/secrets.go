package config

import "slices"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.URL)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Ledger.PrivateKey)
	redact(&out.Ledger.KeyPassword)
	redact(&out.Relayer.APIKey)
	redact(&out.Relayer.APISecret)
	redact(&out.AI.APIKey)
	redact(&out.Providers.CoinGeckoAPIKey)
	redact(&out.Providers.BraveAPIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)

	// Slices are copied so the redacted value cannot alias the original.
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Scheduler.Categories = slices.Clone(cfg.Scheduler.Categories)
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
