// Package logging provides structured logging for the tickstore engine.
//
// It wraps log/slog with a process-wide logger and per-component child
// loggers. Every storage component logs through Component, so entries are
// filterable by the component attribute:
//
//	logging.Init(slog.LevelInfo, true)
//	log := logging.Component("compress")
//	log.Info("chunk compressed", "chunk", id, "rows", n)
package logging

import (
	"log/slog"
	"os"
)

// Logger is the process-wide logger. Nil until Init; accessors fall back
// to a text logger at info level.
var Logger *slog.Logger

// Init configures the process-wide logger. jsonFormat selects JSON output
// for log collectors; text output is for interactive use. Debug level also
// enables source locations.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler installs a custom handler. Tests use this to capture
// output.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps a level name to a slog.Level. Unknown names fall back
// to info.
func ParseLevel(s string) slog.Level {
	switch s {
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

func base() *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger
}

// Component returns a child logger tagged with the component name
// ("tickstore", "compress", "refresh", ...).
func Component(name string) *slog.Logger {
	return base().With("component", name)
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return base().With(args...)
}

// Debug logs at debug level on the process-wide logger.
func Debug(msg string, args ...any) {
	base().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	base().Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	base().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	base().Error(msg, args...)
}
