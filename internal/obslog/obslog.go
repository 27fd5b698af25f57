// Package obslog wires up the process-wide zerolog logger the way
// cmd/cryptorun/main.go does: RFC3339 timestamps, a console writer when
// attached to a TTY, and structured JSON otherwise.
package obslog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Init configures the global zerolog logger. Call once from each command's
// main().
func Init(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// For returns a logger scoped to a named component, e.g. obslog.For("topic.engine").
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
