package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Config is read from the process environment.
type Config struct {
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	JWTSecret       string        `env:"JWT_SECRET,required"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogConsole      bool          `env:"LOG_CONSOLE" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	DBMaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	OutboxInterval    time.Duration `env:"OUTBOX_INTERVAL" envDefault:"1s"`
	OutboxBatchSize   int           `env:"OUTBOX_BATCH_SIZE" envDefault:"10"`
	OutboxMaxAttempts int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	OutboxRatePerSec  int           `env:"OUTBOX_RATE_PER_SEC" envDefault:"0"`
}

func loadConfig() (Config, error) {
	return parseConfig(env.Options{})
}

func parseConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if len(cfg.JWTSecret) < 16 {
		return Config{}, fmt.Errorf("config: JWT_SECRET must be at least 16 characters")
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("config: SHUTDOWN_TIMEOUT must be positive")
	}
	return cfg, nil
}

func newLogger(cfg Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "tokenvest-api").Logger(), nil
}
