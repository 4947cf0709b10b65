// internal/common/logging/logger.go
// Structured logger construction

package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the process logger. Development gets a human readable console
// writer, every other environment gets JSON lines on stdout.
func New(level, environment string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, environment)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, environment string) zerolog.Logger {
	if environment == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("service", "kiekky-realtime").
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
