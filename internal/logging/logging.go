// Package logging provides structured logging setup with colored terminal
// output (via tint) and runtime-adjustable log levels.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level. It can be changed at runtime
// without restarting the daemon.
var Level = new(slog.LevelVar) // default: INFO

// Setup initializes the global slog logger and returns it.
//
// level names the minimum level ("debug", "info", "warn", "error"); the
// AGENTBUS_LOG_LEVEL environment variable overrides it. format is "text",
// "json", or "auto": auto picks tint when stderr is a TTY and JSON
// otherwise (systemd, Docker, CI).
func Setup(level, format string) *slog.Logger {
	if env := os.Getenv("AGENTBUS_LOG_LEVEL"); env != "" {
		level = env
	}
	if l, err := ParseLevel(level); err == nil {
		Level.Set(l)
	}

	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	var handler slog.Handler
	switch {
	case format == "json", format == "auto" && !tty:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: Level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
			NoColor:    !tty,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// ParseLevel converts a string like "debug", "info", "warn", "error" to the
// corresponding slog.Level. It is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
