package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/rollout/internal/config"
)

// NewLogger creates a structured zerolog.Logger writing JSON to stdout with
// context fields from the config.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

// NewStderrLogger is NewLogger for commands that keep stdout for their output.
func NewStderrLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stderr, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		ctx = ctx.Str("host", host)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
