// Package monitoring provides the structured logging front-end, panic
// recovery for long-lived goroutines, and the periodic system resource
// monitor.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects the level and output format of the root logger.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty, text
}

// NewLogger builds the root zerolog logger. Components derive their own
// loggers from it via With().Str("component", ...).
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	switch cfg.Format {
	case "pretty":
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	case "text":
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339, NoColor: true}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "titanircd").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace and keeps
// the process running. Deferred at the top of every long-lived
// goroutine so a single connection or actor cannot crash the server.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("goroutine panic recovered")
	}
}
