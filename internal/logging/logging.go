package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds the process logger from cfg. The returned closer releases the
// log file when output is not stdout/stderr.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		out, closer = rw, rw
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		if out != os.Stdout && out != os.Stderr {
			cw.NoColor = true
		}
		logger = zerolog.New(cw).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}

	return logger, closer, nil
}
