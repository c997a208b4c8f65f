// Package log configures the process-wide slog logger.
package log

import (
	"log/slog"
	"os"
)

// ParseLevel maps debug/info/warn/error onto slog levels, defaulting to info.
func ParseLevel(logLevel string) slog.Level {
	switch logLevel {
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

// Setup installs a text handler on stderr as the default logger.
func Setup(logLevel string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	})))
}

// WithModule returns the default logger scoped to a module.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
