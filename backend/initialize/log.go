package initialize

import (
	"fmt"
	"io"
	"os"
	"strings"

	"fleetd/backend/config"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. The returned closer releases the log
// file, if one was opened.
func NewLogger(cfg config.Log) (zerolog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.Path != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = file, file
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: cfg.Path != ""}
	}
	if err := SetLogLevel(cfg.Level); err != nil {
		return zerolog.Nop(), nil, err
	}
	return zerolog.New(w).With().Timestamp().Logger(), closer, nil
}

// SetLogLevel changes the level of every logger in the process.
func SetLogLevel(level string) error {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
