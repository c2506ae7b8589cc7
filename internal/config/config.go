// Package config loads pagewatch settings from an optional YAML file and
// PAGEWATCH_* environment variables.
package config

import (
	"time"
	_ "time/tzdata"
)

// Config holds all process configuration. Per-deployment user settings
// (channel, recipients, retention) live in the database, not here.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Judge     JudgeConfig     `mapstructure:"judge"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Gmail     GmailConfig     `mapstructure:"gmail"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr  string `mapstructure:"addr" validate:"required"`
	Debug bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type WorkerConfig struct {
	Size        int           `mapstructure:"size" validate:"min=1"`
	Poll        time.Duration `mapstructure:"poll" validate:"gt=0"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gte=1s"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
}

type SchedulerConfig struct {
	// Location is an IANA zone name used to interpret cron expressions.
	// "Local" means the host zone.
	Location      string `mapstructure:"location" validate:"required"`
	RetentionCron string `mapstructure:"retention_cron" validate:"required"`
}

type GuardConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval" validate:"gte=0"`
}

type JudgeConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Model      string        `mapstructure:"model" validate:"required"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
}

type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url" validate:"omitempty,url"`
	TokenURL     string   `mapstructure:"token_url" validate:"required,url"`
	Scopes       []string `mapstructure:"scopes"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key" validate:"required,min=16"`
	TokenBackend  string `mapstructure:"token_backend" validate:"oneof=sql keyring"`
	KeyringDir    string `mapstructure:"keyring_dir" validate:"required_if=TokenBackend keyring"`
}

type TelegramConfig struct {
	APIBase string        `mapstructure:"api_base" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// Rate is chunk sends per second; zero disables pacing.
	Rate float64 `mapstructure:"rate" validate:"gte=0"`
}

type GmailConfig struct {
	// Endpoint overrides the Gmail API base; empty means the public API.
	Endpoint string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// Location resolves the scheduler zone. Load has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Location)
	if err != nil {
		return time.Local
	}
	return loc
}
