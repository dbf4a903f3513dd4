// Package logging wraps zerolog with the teacher's component-prefix
// convention, carried over as a structured field instead of a string
// prefix.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin alias so call sites don't import zerolog directly.
type Logger = zerolog.Logger

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// SetOutput redirects the base logger, e.g. to a file in production.
func SetOutput(w io.Writer) {
	base = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the global minimum level.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// Component returns a logger scoped to a named subsystem, mirroring the
// teacher's log.Component("heartbeat") call sites.
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
