// Package corelog provides the runtime's default structured logger, built
// on github.com/rs/zerolog.
package corelog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a console-formatted zerolog.Logger writing to w (os.Stderr if
// nil), at the given level ("debug", "info", "warn", "error"; unknown or
// empty defaults to "info").
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests and for
// NewManager callers that don't pass WithLogger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
