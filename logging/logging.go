// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Config struct {
	// Level is a zerolog level name. Empty means info.
	Level string
	// Format is "console" for human output or "json".
	Format string
	// Out defaults to stderr.
	Out io.Writer
}

// New returns a logger tagged with the app name. It does not touch the
// zerolog global level.
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "log level %q", cfg.Level)
		}
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	switch cfg.Format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	case "json":
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", cfg.Format)
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("app", "liveaudio").
		Logger(), nil
}

// Component returns a child logger for one part of the program.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
