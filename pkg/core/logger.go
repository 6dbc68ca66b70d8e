package core

import (
	"io"
	"os"

	charm "github.com/charmbracelet/log"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LevelDebug is for detailed debugging information
	LevelDebug LogLevel = iota
	// LevelInfo is for general informational messages
	LevelInfo
	// LevelWarn is for warning messages
	LevelWarn
	// LevelError is for error messages
	LevelError
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the interface for logging operations
type Logger interface {
	// Debug logs a debug message
	Debug(msg string, keyvals ...any)
	// Info logs an informational message
	Info(msg string, keyvals ...any)
	// Warn logs a warning message
	Warn(msg string, keyvals ...any)
	// Error logs an error message
	Error(msg string, keyvals ...any)
	// With returns a new logger with additional key-value pairs
	With(keyvals ...any) Logger
}

// charmLogger adapts github.com/charmbracelet/log to the Logger interface
type charmLogger struct {
	l *charm.Logger
}

// NewLogger creates a new logger that writes to the given writer
func NewLogger(writer io.Writer, minLevel LogLevel) Logger {
	return &charmLogger{
		l: charm.NewWithOptions(writer, charm.Options{
			ReportTimestamp: true,
			Level:           toCharmLevel(minLevel),
		}),
	}
}

// NewStdLogger creates a new logger that writes to stderr
func NewStdLogger(minLevel LogLevel) Logger {
	return NewLogger(os.Stderr, minLevel)
}

func toCharmLevel(l LogLevel) charm.Level {
	switch l {
	case LevelDebug:
		return charm.DebugLevel
	case LevelWarn:
		return charm.WarnLevel
	case LevelError:
		return charm.ErrorLevel
	default:
		return charm.InfoLevel
	}
}

// Debug logs a debug message
func (c *charmLogger) Debug(msg string, keyvals ...any) {
	c.l.Debug(msg, keyvals...)
}

// Info logs an informational message
func (c *charmLogger) Info(msg string, keyvals ...any) {
	c.l.Info(msg, keyvals...)
}

// Warn logs a warning message
func (c *charmLogger) Warn(msg string, keyvals ...any) {
	c.l.Warn(msg, keyvals...)
}

// Error logs an error message
func (c *charmLogger) Error(msg string, keyvals ...any) {
	c.l.Error(msg, keyvals...)
}

// With returns a new logger with additional key-value pairs
func (c *charmLogger) With(keyvals ...any) Logger {
	return &charmLogger{l: c.l.With(keyvals...)}
}

// nopLogger is a no-op logger that discards all log messages
type nopLogger struct{}

// Debug is a no-op
func (nopLogger) Debug(msg string, keyvals ...any) {}

// Info is a no-op
func (nopLogger) Info(msg string, keyvals ...any) {}

// Warn is a no-op
func (nopLogger) Warn(msg string, keyvals ...any) {}

// Error is a no-op
func (nopLogger) Error(msg string, keyvals ...any) {}

// With returns a new nopLogger
func (n nopLogger) With(keyvals ...any) Logger {
	return n
}

// NopLogger returns a logger that discards all messages
func NopLogger() Logger {
	return nopLogger{}
}
