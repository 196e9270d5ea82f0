package frontbase

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/frontbase/frontbase/pkg/auth"
	"github.com/frontbase/frontbase/pkg/store/postgres"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds application configuration. Every field is read from the
// environment; Parse lets a few of them be overridden by flags.
type Config struct {
	Addr string `env:"FRONTBASE_ADDR" envDefault:":8600"`

	// Secret signs session tokens.
	Secret   string        `env:"FRONTBASE_SECRET"`
	Issuer   string        `env:"FRONTBASE_ISSUER" envDefault:"FrontBase"`
	TokenTTL time.Duration `env:"FRONTBASE_TOKEN_TTL" envDefault:"168h"`

	Store        string        `env:"FRONTBASE_STORE" envDefault:"memory"`
	PostgresDSN  string        `env:"FRONTBASE_POSTGRES_DSN"`
	PollInterval time.Duration `env:"FRONTBASE_POLL_INTERVAL" envDefault:"500ms"`
	// Retention is how long processed change feed rows are kept.
	Retention time.Duration `env:"FRONTBASE_FEED_RETENTION" envDefault:"1h"`

	AllowedOrigins []string `env:"FRONTBASE_ALLOWED_ORIGINS" envSeparator:","`
	StrictTokens   bool     `env:"FRONTBASE_STRICT_TOKENS" envDefault:"true"`
	MailboxSize    int      `env:"FRONTBASE_MAILBOX_SIZE" envDefault:"256"`
	BcryptCost     int      `env:"FRONTBASE_BCRYPT_COST" envDefault:"8"`

	// AdminUsername and AdminPassword create the first user at bootstrap,
	// skipping the interactive setup flow.
	AdminUsername string `env:"FRONTBASE_ADMIN_USERNAME"`
	AdminPassword string `env:"FRONTBASE_ADMIN_PASSWORD"`

	LogLevel string `env:"FRONTBASE_LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"FRONTBASE_LOG_FILE"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("FRONTBASE_SECRET is required")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New("FRONTBASE_POSTGRES_DSN is required with the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreMemory, StorePostgres)
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return errors.New("FRONTBASE_ADMIN_USERNAME and FRONTBASE_ADMIN_PASSWORD must be set together")
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = auth.DefaultTokenTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = postgres.DefaultPollInterval
	}
	return nil
}

// HasAdmin reports whether bootstrap credentials were configured.
func (c *Config) HasAdmin() bool {
	return c.AdminUsername != "" && c.AdminPassword != ""
}
