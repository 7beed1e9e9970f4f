package logger

import (
	"log/slog"
)

// Log format constants
const (
	FormatJSON = "json"
	FormatText = "text"
)

// LoggingConfigSpec defines the logging configuration for the Configure function.
// It mirrors config.LoggingConfig to avoid an import cycle.
type LoggingConfigSpec struct {
	Level        string
	Format       string // "json" or "text"
	CommonFields map[string]string
}

// Configure applies a LoggingConfigSpec to the global logger.
func Configure(cfg *LoggingConfigSpec) {
	if cfg == nil {
		return
	}

	level := slog.LevelInfo
	if cfg.Level != "" {
		level = ParseLevel(cfg.Level)
	}

	commonFields := make([]slog.Attr, 0, len(cfg.CommonFields))
	for k, v := range cfg.CommonFields {
		commonFields = append(commonFields, slog.String(k, v))
	}

	initLoggerWithConfig(level, commonFields, cfg.Format == FormatJSON)
}

func initLoggerWithConfig(level slog.Level, commonFields []slog.Attr, useJSON bool) {
	opts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if useJSON {
		base = slog.NewJSONHandler(logOutput, opts)
	} else {
		base = slog.NewTextHandler(logOutput, opts)
	}

	DefaultLogger = slog.New(NewContextHandler(base, commonFields...))
}
