// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Canonical field names.
const (
	FieldComponent = "component"
	FieldSessionID = "session_id"
	FieldSandboxID = "sandbox_id"
	FieldUserID    = "user_id"
	FieldProfile   = "profile"
	FieldEvent     = "event"
	FieldReason    = "reason"
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldRequestID = "request_id"
)

// Config captures options for the base logger.
type Config struct {
	Level   string    // "debug", "info", ... (defaults to LOG_LEVEL or info)
	Output  io.Writer // defaults to os.Stderr
	Console bool      // human-readable output instead of JSON
	Service string
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the base logger. Only the first call has an effect.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		raw := cfg.Level
		if raw == "" {
			raw = os.Getenv("LOG_LEVEL")
		}
		if raw != "" {
			if parsed, err := zerolog.ParseLevel(raw); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stderr
		}
		if cfg.Console {
			writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}
		}

		service := cfg.Service
		if service == "" {
			service = "pocket"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str(FieldComponent, component).Logger()
}

// Or returns *l when set, otherwise a component logger derived from the base.
func Or(l *zerolog.Logger, component string) zerolog.Logger {
	if l == nil {
		return WithComponent(component)
	}
	return l.With().Str(FieldComponent, component).Logger()
}
