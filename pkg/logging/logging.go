// Package logging sets up the worker's structured logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog.Logger tagged with component, writing to stderr so
// stdout stays free for the runner's response pipe when the worker is
// spawned with stdio piping.
func New(component string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stderr).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
