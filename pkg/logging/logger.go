package logging

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger builds a JSON-handler logger at the given level with
// source locations attached. Deployments that ship logs to a collector
// want this form; local runs use SetDefault's text handler instead.
func InitLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}))
}

// NewComponentLogger returns a child of base that stamps every record
// with the component name.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	return base.With(slog.String("component", component))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault installs a text-handler logger at the given level as the
// process default.
func SetDefault(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})))
}
