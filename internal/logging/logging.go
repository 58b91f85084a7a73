// Package logging provides structured logging for pairlink.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// Common attribute keys for consistent logging.
// Tokens and key material are never logged under any key.
const (
	KeyComponent = "component"
	KeyMode      = "mode"
	KeyState     = "state"
	KeyRequestID = "request_id"
	KeySequence  = "sequence"
	KeyAttempt   = "attempt"
	KeyDelay     = "delay"
	KeyDeviceID  = "device_id"
	KeyPeerID    = "peer_id"
	KeyEndpoint  = "endpoint"
	KeyURL       = "url"
	KeyMethod    = "method"
	KeyPath      = "path"
	KeyStatus    = "status"
	KeyError     = "error"
	KeyDuration  = "duration"
	KeyCount     = "count"
	KeyType      = "type"
)
