// Package logging configures structured logging with zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs every request, continuation page and quota sleep.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs completed runs and server lifecycle.
	LevelInfo LogLevel = "info"

	// LevelWarn logs failed requests and oversized filters.
	LevelWarn LogLevel = "warn"

	// LevelError logs failed runs only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Setup sets the global level from cfg and installs the logger that
// NewLogger derives component loggers from. Pretty output uses a console
// writer with millisecond timestamps.
func Setup(cfg Config) zerolog.Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return log.Logger
}

// ValidateLevel returns an error for names parseLevel would not recognise.
func ValidateLevel(level LogLevel) error {
	_, err := lookupLevel(level)
	return err
}

// parseLevel maps level to a zerolog level, falling back to info.
func parseLevel(level LogLevel) zerolog.Level {
	l, err := lookupLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

func lookupLevel(level LogLevel) (zerolog.Level, error) {
	name := strings.ToLower(string(level))
	switch name {
	case "warning":
		return zerolog.WarnLevel, nil
	case string(LevelDebug), string(LevelInfo), string(LevelWarn), string(LevelError):
		return zerolog.ParseLevel(name)
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
}

// NewLogger returns the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Context fields used across the module:
//   - component: ga-client, gareport, report-store
//   - run_id: one report run (build, fetch, merge)
//   - url: request URL with the access token redacted
//   - start_index: requested page
//   - identity_key: quota partition key (userIp)
//   - sleep / elapsed: quota window bookkeeping
//   - parameter_sets / pages / rows: run summary
