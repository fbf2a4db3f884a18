package telemetry

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// SetupLogging installs the process-wide slog default. Format "json" emits
// machine-readable records for log shippers; anything else gets tint's
// human-readable handler for terminals.
func SetupLogging(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	}
	slog.SetDefault(slog.New(h))
}
