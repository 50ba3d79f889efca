package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fiscal-audit-service/internal/config"
)

// New creates a zerolog logger configured from config. Supports
// "trace" | "debug" | "info" | "warn" | "error" levels and
// "json" | "console" formats.
func New(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.ToLower(cfg.LogFormat) == "console" || cfg.Env == "dev" {
		out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger.Level(level)
}
