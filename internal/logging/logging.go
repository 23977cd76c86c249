// Package logging builds the zerolog logger shared by every swarm component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr at the given level. Unknown levels
// fall back to info. When pretty is set the console writer is used instead of
// JSON lines.
func New(level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, pretty)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Component returns a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
