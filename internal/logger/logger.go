package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger. Output goes to stdout as JSON, or
// human-readable with format "console", and is always teed into the
// recent-log buffer served by the status server.
func Setup(level, format string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer = os.Stdout
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(out, NewBufferWriter(GetBuffer()))).
		With().
		Timestamp().
		Caller().
		Logger()
	return log.Logger
}

func parseLevel(level string) zerolog.Level {
	if strings.EqualFold(level, "warning") {
		return zerolog.WarnLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Get returns the global logger tagged with a component name.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
