package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logger configuration.
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	Output io.Writer
	Silent bool
}

// DefaultConfig returns sensible defaults for the logger. Defaults to Info
// level unless DEBUG env var is set.
func DefaultConfig() Config {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	return Config{
		Level:  level,
		Format: "text",
		Output: os.Stdout,
	}
}

// New creates a configured slog.Logger.
func New(cfg Config) *slog.Logger {
	if cfg.Silent {
		return Discard()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
}

// FromLevelName maps the configured log_level name (silent, error, info,
// debug) onto a logger config. Unknown names keep the DefaultConfig level
// (info, or debug when the DEBUG env var is set).
func FromLevelName(name string) Config {
	cfg := DefaultConfig()
	switch strings.ToLower(name) {
	case "silent":
		cfg.Silent = true
	case "error":
		cfg.Level = slog.LevelError
	case "debug":
		cfg.Level = slog.LevelDebug
	case "info", "":
		cfg.Level = slog.LevelInfo
	}
	return cfg
}
