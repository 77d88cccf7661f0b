package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/wotsync/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Discard returns a logger that drops everything, for tests and tools
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		level:  slog.LevelError,
		format: "text",
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogRelayQuery logs a degraded relay query. Query failures are never fatal.
func (l *Logger) LogRelayQuery(relay string, kinds []int, duration time.Duration, err error) {
	if err != nil {
		l.Warn("relay query failed",
			"relay", relay,
			"kinds", kinds,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("relay query completed",
			"relay", relay,
			"kinds", kinds,
			"duration_ms", duration.Milliseconds())
	}
}

// LogRelayProbe logs a relay health probe
func (l *Logger) LogRelayProbe(relay string, online bool, responseMs int64, err error) {
	if err != nil {
		l.Debug("relay probe failed",
			"relay", relay,
			"error", err)
	} else {
		l.Debug("relay probe",
			"relay", relay,
			"online", online,
			"response_ms", responseMs)
	}
}

// LogIngestOutcome logs the terminal state of one event in the pipeline
func (l *Logger) LogIngestOutcome(eventID string, author string, state string, reason string, tier string) {
	l.Debug("ingest outcome",
		"event_id", short(eventID),
		"author", short(author),
		"state", state,
		"reason", reason,
		"tier", tier)
}

// LogJob logs a finished periodic job run
func (l *Logger) LogJob(name string, duration time.Duration, err error) {
	if err != nil {
		l.Warn("scheduled job failed",
			"job", name,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Info("scheduled job completed",
			"job", name,
			"duration_ms", duration.Milliseconds())
	}
}

// LogBackupOperation logs a backup operation
func (l *Logger) LogBackupOperation(op string, path string, sizeBytes int64, err error) {
	if err != nil {
		l.Error("backup operation failed",
			"operation", op,
			"path", path,
			"error", err)
	} else {
		l.Info("backup operation completed",
			"operation", op,
			"path", path,
			"size_bytes", sizeBytes)
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, config map[string]interface{}) {
	l.Info("wotsync starting",
		"version", version,
		"commit", commit,
		"config", config)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("wotsync shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

func short(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	// Create a default logger for early startup
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
