package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/soulseer/sessiond/internal/config"
)

// setupLogging configures the global zerolog logger. Output goes to the
// configured file when set, otherwise stdout: human-readable on a terminal,
// JSON when piped. The returned closer is nil unless a file was opened.
func setupLogging(cfg config.LogConfig, debug bool) (io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		level = parsed
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Output != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0750); err != nil {
			return nil, err
		}
		// #nosec G304 -- operator-supplied log path
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
		return f, nil
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return nil, nil
}
