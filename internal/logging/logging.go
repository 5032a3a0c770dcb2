// Package logging configures structured logging for the signetd daemon.
//
// All log output flows through log/slog with a redaction layer that
// blanks attribute values whose keys suggest secret material. Log
// records describe authorization outcomes and daemon lifecycle; they
// must never carry seeds, derived keys, or signature bytes, and the
// redaction layer is a backstop for that rule, not a substitute for it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls handler construction. Zero values fall back to
// info-level text logging on stderr.
type Config struct {
	// Level is the minimum level emitted: debug, info, warn, error.
	Level string

	// Format selects the handler encoding: "text" or "json".
	Format string

	// Output selects the destination: "stdout", "stderr", or "file".
	Output string

	// FilePath is the log file location when Output is "file".
	FilePath string

	// MaxSizeMB rotates the log file once it exceeds this size.
	MaxSizeMB int

	// MaxBackups caps the number of rotated files kept on disk.
	MaxBackups int

	// AddSource includes source file and line in each record.
	AddSource bool

	// Component tags every record emitted by this logger.
	Component string
}

// sensitiveKeyParts match attribute keys whose values are redacted
// before a record is written. Matching is case-insensitive substring.
var sensitiveKeyParts = []string{
	"seed",
	"entropy",
	"mnemonic",
	"credential",
	"private",
	"secret",
	"passphrase",
	"token",
	"key",
	"signature",
}

const redactedValue = "[REDACTED]"

// Logger wraps slog.Logger with the rotator lifecycle so file-backed
// loggers can be flushed and closed during shutdown.
type Logger struct {
	*slog.Logger

	config  Config
	rotator *FileRotator
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = &Logger{Logger: slog.Default()}
)

// New builds a Logger from cfg. The caller owns the returned logger
// and should Close it on shutdown when Output is "file".
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := &Logger{config: cfg}

	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logging: file output requires a file path")
		}
		rotator, err := NewFileRotator(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		logger.rotator = rotator
		out = rotator
	default:
		return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		if logger.rotator != nil {
			logger.rotator.Close()
		}
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	logger.Logger = slog.New(handler)
	if cfg.Component != "" {
		logger.Logger = logger.Logger.With(slog.String("component", cfg.Component))
	}
	return logger, nil
}

// redactAttr blanks values for keys that look like secret material.
func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue(redactedValue)
	}
	return a
}

func shouldRedact(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// WithComponent returns a child logger tagged with the component name.
func (l *Logger) WithComponent(name string) *slog.Logger {
	return l.Logger.With(slog.String("component", name))
}

// Sync flushes buffered file output. It is a no-op for stream outputs.
func (l *Logger) Sync() error {
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

// Close releases the log file. The logger must not be used afterwards.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// SetDefault installs l as the process-wide logger used by the
// package-level helpers, and as the slog default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at info level using the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at error level using the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// ParseLevel converts a config string into a slog level. The empty
// string parses as info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// LevelString renders a slog level the way config files spell it.
func LevelString(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
