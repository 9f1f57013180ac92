package logger

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New constructs a zerolog logger from the LOG_LEVEL/LOG_FORMAT values and
// installs it as the package-global logger.
func New(level, format string) (zerolog.Logger, error) {
	return NewWithWriter(level, format, os.Stdout)
}

// NewWithWriter is New writing to w.
func NewWithWriter(level, format string, w io.Writer) (zerolog.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, err
	}

	var l zerolog.Logger
	switch strings.ToLower(format) {
	case "json":
		l = zerolog.New(w).With().Timestamp().Logger()
	case "", "console":
		l = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		return zerolog.Logger{}, errors.New("unsupported log format")
	}

	zerolog.SetGlobalLevel(lvl)
	l = l.Level(lvl)
	log.Logger = l
	return l, nil
}

// Component returns l tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
