// Package applog owns the single process-wide structured logger. Init is
// called once at startup from cmd/emganalyzerd; the rest of the module
// reads the package-level Logger.
package applog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide structured logger.
var Logger zerolog.Logger

// Init configures the global logger. In development it writes a
// human-readable console format to stderr; in production it writes
// line-delimited JSON.
func Init(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Logger = Logger
}

// With returns a child logger tagged with a component name, for per-package
// loggers (e.g. applog.With("session")).
func With(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
