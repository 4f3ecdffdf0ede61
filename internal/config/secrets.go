package config

const redacted = "***"

// RedactedConfig returns a copy of cfg with credentials masked, for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Oracle.Keepers = append([]string(nil), cfg.Oracle.Keepers...)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
