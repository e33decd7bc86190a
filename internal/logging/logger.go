// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

// Package logging provides the process-wide zerolog logger for FleetPulse.
//
// Every component logs through the package-level helpers so that level and
// format are configured once in main:
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("addr", addr).Msg("Ingestion listener bound")
//	logging.Ctx(ctx).Warn().Err(err).Msg("Dropping malformed message")
//
// Environment variables (read by the config package):
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, console (default: json)
//   - LOG_CALLER: include caller file:line (default: false)
//
// Log chains must be terminated with Msg or Send or nothing is written.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error, fatal, panic, disabled.
	Level string

	// Format is json or console.
	Format string

	Caller    bool
	Timestamp bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns the configuration used before Init runs.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Timestamp: true,
		Output:    os.Stderr,
	}
}

// current holds the process logger. Readers never block writers.
var current atomic.Pointer[zerolog.Logger]

//nolint:gochecknoinits // logging must work before main calls Init
func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	Init(DefaultConfig())
}

// Init builds the process logger from cfg and sets the global level.
// It may be called again, e.g. by tests.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	l := ctx.Logger()
	current.Store(&l)
}

// parseLevel maps a configured level name to zerolog, falling back to info.
func parseLevel(level string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// ValidLevel reports whether level names a known zerolog level.
func ValidLevel(level string) bool {
	name := strings.ToLower(level)
	if name == "warning" {
		return true
	}
	if name == "" {
		return false
	}
	_, err := zerolog.ParseLevel(name)
	return err == nil
}

// Logger returns a copy of the process logger.
func Logger() zerolog.Logger {
	return *current.Load()
}

// SetLogger replaces the process logger. Tests use it to capture output.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func SetLogger(l zerolog.Logger) {
	current.Store(&l)
}

// WithComponent returns a child logger tagged with a component field.
//
//	logger := logging.WithComponent("aggregator")
func WithComponent(component string) zerolog.Logger {
	return current.Load().With().Str("component", component).Logger()
}

// Debug starts a debug level entry.
func Debug() *zerolog.Event { return current.Load().Debug() }

// Info starts an info level entry.
func Info() *zerolog.Event { return current.Load().Info() }

// Warn starts a warn level entry.
func Warn() *zerolog.Event { return current.Load().Warn() }

// Error starts an error level entry.
func Error() *zerolog.Event { return current.Load().Error() }

// SetLevel updates the global level.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}
