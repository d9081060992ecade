// Package logger builds slog loggers for the engine. Components receive a
// *slog.Logger via their deps struct and narrow it with With("component", ...).
package logger

import (
	"io"
	"log/slog"
	"os"
)

type Config struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	JSON  bool   `yaml:"json" env:"LOG_JSON"`
}

func New(cfg Config) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg)
}

func NewWithWriter(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
