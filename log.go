package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
)

// logConfig is read from the environment only, so logging works before the
// config file is parsed.
type logConfig struct {
	Debug   bool   `env:"IMGCACHE_DEBUG"`
	LogFile string `env:"IMGCACHE_LOG_FILE"`
	Quiet   bool   `env:"IMGCACHE_QUIET"`
}

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "imgcache").CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imgcache.log"), nil
}

// setupLog routes the default logger. Warnings go to stderr; with
// IMGCACHE_DEBUG set everything down to debug goes to a log file instead.
func setupLog() (func() error, error) {
	cfg, err := env.ParseAs[logConfig]()
	if err != nil {
		return nil, fmt.Errorf("error parsing log config: %w", err)
	}

	if !cfg.Debug {
		var w io.Writer = os.Stderr
		if cfg.Quiet {
			w = io.Discard
		}
		log.SetDefault(log.NewWithOptions(w, log.Options{Level: log.WarnLevel}))
		return func() error { return nil }, nil
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile, err = getLogFilePath()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}

	log.SetDefault(log.NewWithOptions(f, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           log.DebugLevel,
	}))
	return f.Close, nil
}
