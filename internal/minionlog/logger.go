// Package minionlog sets up the structured logger shared by both the
// plugin-service and task-engine binaries.
package minionlog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Component loggers are derived from
// it with With(); nothing should log through zerolog's package-level
// default before Initialize runs.
var Log zerolog.Logger

// Initialize configures the global logger for the named service ("plugin-service"
// or "task-engine"). pretty selects a human-readable console writer for local
// development; production deployments leave it false and get line-delimited JSON.
func Initialize(service, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	Log = log.Logger.With().Str("service", service).Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a sub-logger tagged with the given component name. The
// binaries use "pluginservice" and "taskengine".
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
