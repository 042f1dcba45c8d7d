// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Component names the subsystem a logger belongs to.
type Component string

const (
	ComponentMain      Component = "main"
	ComponentScheduler Component = "scheduler"
	ComponentRateLimit Component = "ratelimit"
	ComponentTransport Component = "transport"
	ComponentClient    Component = "client"
	ComponentBulk      Component = "bulk"
	ComponentServer    Component = "server"
)

// Field names shared by every component.
const (
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldEndpoint  = "endpoint"
	FieldOrigin    = "origin"
	FieldPriority  = "priority"
	FieldKind      = "kind"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service, if set, is added to every entry as "service".
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
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
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// NewLogger derives a component logger from the global logger.
func NewLogger(component Component) zerolog.Logger {
	return log.With().Str(FieldComponent, string(component)).Logger()
}

// ForRequest returns a child of l carrying the fields that identify one
// scheduled request. Empty values are omitted.
func ForRequest(l zerolog.Logger, requestID, endpoint, origin string) zerolog.Logger {
	ctx := l.With().Str(FieldRequestID, requestID)
	if endpoint != "" {
		ctx = ctx.Str(FieldEndpoint, endpoint)
	}
	if origin != "" {
		ctx = ctx.Str(FieldOrigin, origin)
	}
	return ctx.Logger()
}

// Log Level Guidelines:
//
// Debug: queue and dispatch flow
//   - Enqueue, dispatch and completion of single requests
//   - Cache hits and stores
//   - Quota updates while healthy
//
// Info: state transitions
//   - Scheduler start/stop, pause/resume, queue cleared
//   - Cooldown ended, quota restored from Redis
//   - Server startup/shutdown
//
// Warn: conditions that slow work down
//   - Quota below warning threshold, throttled responses, cooldown entered
//   - Caller retries
//   - Per-item bulk failures, cache errors
//
// Error: conditions requiring attention
//   - Quota exhausted until window reset
//   - Bulk run aborted on authorization loss
//   - Configuration errors
//
// Context Fields:
//   - component: scheduler, ratelimit, transport, client, bulk, server
//   - request_id: scheduler-assigned request identifier
//   - endpoint: identity API path
//   - origin: caller tag (view or bulk job)
//   - priority: high, normal or low
//   - kind: error kind (throttled, authorization_lost, client_error, ...)
//   - remaining, limit, reset_at: quota fields
//   - cooldown_until: end of the current cooldown
