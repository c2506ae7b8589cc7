package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrInvalid is returned when the loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "PAGEWATCH"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.debug", false)

	v.SetDefault("database.path", "pagewatch.db")

	v.SetDefault("worker.size", 1)
	v.SetDefault("worker.poll", "250ms")
	v.SetDefault("worker.lock_timeout", "600s")
	v.SetDefault("worker.max_attempts", 3)

	v.SetDefault("scheduler.location", "Local")
	v.SetDefault("scheduler.retention_cron", "0 3 * * *")

	v.SetDefault("guard.min_interval", "30s")

	v.SetDefault("judge.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("judge.model", "gemini-2.0-flash")
	v.SetDefault("judge.timeout", "120s")
	v.SetDefault("judge.max_retries", 3)
	v.SetDefault("judge.retry_delay", "2s")

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.auth_url", "https://accounts.google.com/o/oauth2/auth")
	v.SetDefault("oauth.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("oauth.scopes", []string{
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/generative-language.retriever",
	})

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.token_backend", "sql")
	v.SetDefault("security.keyring_dir", "")

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "30s")
	v.SetDefault("telegram.rate", 1.0)

	v.SetDefault("gmail.endpoint", "")
	v.SetDefault("gmail.timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration from path, if given, and the environment.
// Environment variables win over the file: server.addr is PAGEWATCH_SERVER_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the scheduler location.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := time.LoadLocation(c.Scheduler.Location); err != nil {
		return fmt.Errorf("%w: scheduler.location: %v", ErrInvalid, err)
	}
	return nil
}
