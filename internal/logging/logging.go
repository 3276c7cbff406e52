// Package logging builds the structured loggers used across the relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys shared by all components.
const (
	KeyTunnelID   = "tunnel_id"
	KeyClientID   = "client_id"
	KeyConnID     = "conn_id"
	KeyEvent      = "event"
	KeyChannel    = "channel"
	KeyTransport  = "transport"
	KeyRemotePort = "remote_port"
	KeyRemoteAddr = "remote_addr"
	KeyAddress    = "address"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyCount      = "count"
	KeyDuration   = "duration"
)
