package mysql

import (
	"log/slog"
)

const (
	defaultEngine  = "InnoDB"
	defaultCharset = "utf8mb4"
)

// Config configures the MySQL ledger store.
type Config struct {
	Logger  *slog.Logger
	Engine  string
	Charset string
}

// Option mutates Config.
type Option func(*Config)

// WithLogger sets the logger for failed statements.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithEngine overrides the storage engine used by Migrate.
func WithEngine(engine string) Option {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

// WithCharset overrides the default table charset used by Migrate.
func WithCharset(charset string) Option {
	return func(cfg *Config) {
		cfg.Charset = charset
	}
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Engine == "" {
		c.Engine = defaultEngine
	}
	if c.Charset == "" {
		c.Charset = defaultCharset
	}
	return c
}
