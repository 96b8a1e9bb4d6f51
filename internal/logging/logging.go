// Package logging wraps zerolog with the per-component child-logger
// conventions used throughout the daemon.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the globally configured logger; Init must be called before use,
// but a sane default (info level, console output) is set at package init so
// early log lines (e.g. during flag parsing) are never dropped silently.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// Level mirrors the recognized log levels.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the global Logger. DEBUG=1 in the environment forces
// debug level regardless of Config.Level, matching the §6 DEBUG variable.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}
	if os.Getenv("DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWatcher creates a child logger tagged with a watcher label.
func WithWatcher(label string) zerolog.Logger {
	return Logger.With().Str("watcher", label).Logger()
}

// WithArtifact creates a child logger tagged with an artifact output path.
func WithArtifact(output string) zerolog.Logger {
	return Logger.With().Str("artifact", output).Logger()
}

// Debugf logs a stack-trace-worthy detail at debug level, so it appears when
// DEBUG is set or the configured level is debug, matching the §7 "stack
// trace when DEBUG is set" contract at the call site's discretion (callers
// decide whether err carries trace-worthy detail).
func Debugf(err error, msg string) {
	Logger.Debug().Err(err).Msg(msg)
}
