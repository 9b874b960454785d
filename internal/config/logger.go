package config

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger, initialized by InitLogger during
// startup. Packages that need a logger before InitLogger runs get a
// disabled logger, matching zerolog's own zero-value behavior.
var Log zerolog.Logger = zerolog.New(nil).Level(zerolog.Disabled)

// InitLogger builds the process-wide logger from a Config's LogLevel
// and LogFormat. "console" produces human-readable colored output for
// local runs; anything else (including "") produces line-delimited JSON
// suitable for the supervisor's log collector.
func InitLogger(cfg *Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		if cfg.LogLevel == "" {
			level = zerolog.InfoLevel
		} else {
			return err
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writer = os.Stderr
	if cfg.LogFormat == "console" {
		Log = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).
			With().Timestamp().Caller().Logger()
		return nil
	}
	Log = zerolog.New(writer).With().Timestamp().Logger()
	return nil
}

// Get returns the process-wide logger.
func Get() *zerolog.Logger {
	return &Log
}
