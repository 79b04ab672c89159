// Package logging configures zerolog for the venue sync client and hands
// out per-component loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service is attached to every entry as the "service" field when set.
	Service string
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// parseLevel maps a LogLevel to zerolog, falling back to info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// OrDefault returns a component logger when logger is nil. A supplied
// logger keeps its own component field and records component as
// "subcomponent".
func OrDefault(logger *zerolog.Logger, component string) zerolog.Logger {
	if logger != nil {
		return logger.With().Str("subcomponent", component).Logger()
	}
	return NewLogger(component)
}

// WithRequest returns a child logger carrying the request fields used
// across the transport, retry and cache layers.
func WithRequest(logger zerolog.Logger, method, endpoint string) zerolog.Logger {
	return logger.With().
		Str("method", method).
		Str("endpoint", endpoint).
		Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, dedup join, invalidation pattern)
//   - Batch windows (open, close, item count)
//   - Realtime frames received and sent
//
// Info: Normal operation events
//   - Credential renewed
//   - Realtime connected / reconnect scheduled
//   - Request succeeded after retry
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Outbound frame dropped while not connected
//   - Unknown inbound message type
//   - Throttled by server rate limit
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Credential renewal failure (session expired)
//   - Realtime reconnect attempts exhausted
//
// Context Fields:
//   - component: auth, transport, retry, cache, batch, realtime
//   - endpoint / method: request path and verb
//   - status_code: HTTP status code
//   - error_class: network, auth, permission, validation, server, rate_limit, client, stale_bundle
//   - attempt / delay: retry and reconnect bookkeeping
//   - cache_key / pattern: cache key and invalidation pattern
//   - message_type: realtime frame type
