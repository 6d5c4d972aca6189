// Package config loads the server configuration: JSON file first, environment
// overrides second. Secrets (DSNs, provider tokens) are never read from the
// file, only from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Channels  []ChannelConfig `json:"channels,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // empty = allow all
	WebhookRate    float64  `json:"webhook_rate,omitempty"`    // sustained req/s per IP
	WebhookBurst   int      `json:"webhook_burst,omitempty"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the file (secret), only from
// OMNIDESK_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode reports whether Postgres backs the server.
func (d DatabaseConfig) IsManagedMode() bool {
	return d.Mode == "managed" && d.PostgresDSN != ""
}

// QueueConfig tunes webhook processing.
type QueueConfig struct {
	Workers     int    `json:"workers,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"` // Go duration, default "30s"
	BackoffCap  string `json:"backoff_cap,omitempty"`  // Go duration, default "1h"
	CleanupAge  string `json:"cleanup_age,omitempty"`  // Go duration, default "168h"
}

// ParseBackoffBase returns the parsed base delay or the default.
func (q QueueConfig) ParseBackoffBase() time.Duration { return parseDur(q.BackoffBase, 30*time.Second) }

// ParseBackoffCap returns the parsed delay cap or the default.
func (q QueueConfig) ParseBackoffCap() time.Duration { return parseDur(q.BackoffCap, time.Hour) }

// ParseCleanupAge returns the parsed cleanup age or the default (7 days).
func (q QueueConfig) ParseCleanupAge() time.Duration { return parseDur(q.CleanupAge, 168*time.Hour) }

func parseDur(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // e.g. "localhost:4318"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ChannelConfig declares one channel instance in standalone mode. In managed
// mode instances live in the channel_instances table and this list is ignored.
// Settings hold provider parameters; token-like values come from env (see
// envOverrides) and are merged on load.
type ChannelConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Enabled  bool              `json:"enabled"`
	Settings map[string]string `json:"settings,omitempty"`
}

// envOverrides is the env-only layer. Parsed with caarlos0/env and overlaid
// onto the file config; env always wins.
type envOverrides struct {
	Host        string  `env:"OMNIDESK_HOST"`
	Port        int     `env:"OMNIDESK_PORT"`
	Mode        string  `env:"OMNIDESK_MODE"`
	PostgresDSN string  `env:"OMNIDESK_POSTGRES_DSN"`
	SQLitePath  string  `env:"OMNIDESK_SQLITE_PATH"`
	Workers     int     `env:"OMNIDESK_WORKERS"`
	WebhookRate float64 `env:"OMNIDESK_WEBHOOK_RATE"`

	TelemetryEnabled  bool   `env:"OMNIDESK_TELEMETRY_ENABLED"`
	TelemetryEndpoint string `env:"OMNIDESK_TELEMETRY_ENDPOINT"`
	TelemetryInsecure bool   `env:"OMNIDESK_TELEMETRY_INSECURE"`

	// Channel secrets. Merged into the matching channel's settings so
	// tokens never live in the config file.
	TelegramToken     string `env:"OMNIDESK_TELEGRAM_TOKEN"`
	DiscordToken      string `env:"OMNIDESK_DISCORD_TOKEN"`
	SlackBotToken     string `env:"OMNIDESK_SLACK_BOT_TOKEN"`
	TwilioAccountSID  string `env:"OMNIDESK_TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `env:"OMNIDESK_TWILIO_AUTH_TOKEN"`
	MetaAccessToken   string `env:"OMNIDESK_META_ACCESS_TOKEN"`
	MetaVerifyToken   string `env:"OMNIDESK_META_VERIFY_TOKEN"`
	SMTPHost          string `env:"OMNIDESK_SMTP_HOST"`
	SMTPPort          string `env:"OMNIDESK_SMTP_PORT"`
	SMTPUser          string `env:"OMNIDESK_SMTP_USER"`
	SMTPPassword      string `env:"OMNIDESK_SMTP_PASSWORD"`
}

// Default returns a Config with standalone defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			WebhookRate:  50,
			WebhookBurst: 100,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "omnidesk.db",
		},
		Queue: QueueConfig{
			Workers:     4,
			MaxAttempts: 5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "omnidesk",
		},
	}
}

// Load reads the config file (missing file means defaults) and overlays env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.apply(overrides)
	return cfg, nil
}

func (c *Config) apply(o envOverrides) {
	if o.Host != "" {
		c.Server.Host = o.Host
	}
	if o.Port > 0 {
		c.Server.Port = o.Port
	}
	if o.WebhookRate > 0 {
		c.Server.WebhookRate = o.WebhookRate
	}
	if o.Mode != "" {
		c.Database.Mode = o.Mode
	}
	if o.PostgresDSN != "" {
		c.Database.PostgresDSN = o.PostgresDSN
	}
	if o.SQLitePath != "" {
		c.Database.SQLitePath = o.SQLitePath
	}
	if o.Workers > 0 {
		c.Queue.Workers = o.Workers
	}
	if o.TelemetryEnabled {
		c.Telemetry.Enabled = true
	}
	if o.TelemetryEndpoint != "" {
		c.Telemetry.Endpoint = o.TelemetryEndpoint
	}
	if o.TelemetryInsecure {
		c.Telemetry.Insecure = true
	}

	c.mergeChannelSecret("telegram", "token", o.TelegramToken)
	c.mergeChannelSecret("discord", "token", o.DiscordToken)
	c.mergeChannelSecret("slack", "bot_token", o.SlackBotToken)
	c.mergeChannelSecret("sms", "account_sid", o.TwilioAccountSID)
	c.mergeChannelSecret("sms", "auth_token", o.TwilioAuthToken)
	c.mergeChannelSecret("whatsapp_twilio", "account_sid", o.TwilioAccountSID)
	c.mergeChannelSecret("whatsapp_twilio", "auth_token", o.TwilioAuthToken)
	c.mergeChannelSecret("whatsapp_cloud", "access_token", o.MetaAccessToken)
	c.mergeChannelSecret("whatsapp_cloud", "verify_token", o.MetaVerifyToken)
	c.mergeChannelSecret("messenger", "access_token", o.MetaAccessToken)
	c.mergeChannelSecret("messenger", "verify_token", o.MetaVerifyToken)
	c.mergeChannelSecret("instagram", "access_token", o.MetaAccessToken)
	c.mergeChannelSecret("instagram", "verify_token", o.MetaVerifyToken)
	c.mergeChannelSecret("email", "smtp_host", o.SMTPHost)
	c.mergeChannelSecret("email", "smtp_port", o.SMTPPort)
	c.mergeChannelSecret("email", "smtp_user", o.SMTPUser)
	c.mergeChannelSecret("email", "smtp_password", o.SMTPPassword)
}

// mergeChannelSecret injects an env secret into every declared channel of the
// given type. No-op when the value is empty or the type is not declared.
func (c *Config) mergeChannelSecret(channelType, key, value string) {
	if value == "" {
		return
	}
	for i := range c.Channels {
		if c.Channels[i].Type != channelType {
			continue
		}
		if c.Channels[i].Settings == nil {
			c.Channels[i].Settings = make(map[string]string)
		}
		c.Channels[i].Settings[key] = value
	}
}
