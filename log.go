package forkgc

import (
	"os"

	"github.com/rs/zerolog"
)

// newLogger builds the collector's diagnostic logger: structured
// zerolog fields instead of a bare fprintf, so a host can route cycle
// diagnostics into its own log pipeline.
func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Str("component", "forkgc").
		Logger()
}
