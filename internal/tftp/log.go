package tftp

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the console logger shared by drop and dropd. verbose
// raises the level to debug.
func NewLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
