package runtime

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide structured logger: JSON on stdout,
// tagged with the service name. LOG_LEVEL (debug, info, warn, error)
// overrides the default level.
func NewLogger(service string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", service)
}
