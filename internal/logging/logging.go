// Package logging constructs the single zerolog.Logger a broker process
// injects into the overlay, router, module host, and KVS engine at
// startup, per SPEC_FULL.md's Ambient stack ("no package-level logger
// global, consistent with §5's 'no hidden globals'").
//
// Grounded on cuemby-warren's pkg/log (level parsing, console-vs-JSON
// writer selection) adapted from a package-level Logger global to a plain
// constructor, and on --logdest's three-way destination (stderr, stdout, or
// a file path) from spec.md §6.
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to dest ("stderr", "stdout", or a
// file path per spec.md §6 --logdest), with rank and session fields set on
// every line it or a derived child logger emits. console selects a
// human-readable writer instead of raw JSON lines, for interactive use at
// a terminal.
func New(dest string, rank int, session string, console bool) (zerolog.Logger, error) {
	var w *os.File
	switch dest {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("logging: open %s: %w", dest, err)
		}
		w = f
	}

	var base zerolog.Logger
	if console {
		base = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	} else {
		base = zerolog.New(w).With().Timestamp().Logger()
	}

	return base.With().Int("rank", rank).Str("session", session).Logger(), nil
}
