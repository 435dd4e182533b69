// Package logging wires up the daemon's rolling-daily file logger.
//
// Environment variables consumed: ADA_LOG_LEVEL, ADA_LOG_STDERR,
// ADA_LOG_DIR, ADA_LOG_DISABLE.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup builds the daemon-wide *slog.Logger and installs it as
// slog.Default. logDir is the ada_home-relative "logs" directory unless
// ADA_LOG_DIR overrides it; ADA_LOG_DISABLE suppresses the file sink
// entirely (used by tests), and ADA_LOG_STDERR=1 additionally mirrors
// every line to stderr.
func Setup(adaHome string) (*slog.Logger, error) {
	level := parseLevel(os.Getenv("ADA_LOG_LEVEL"))

	var writer io.Writer
	if os.Getenv("ADA_LOG_DISABLE") != "" {
		writer = io.Discard
	} else {
		dir := os.Getenv("ADA_LOG_DIR")
		if dir == "" {
			dir = filepath.Join(adaHome, "logs")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}

		roller := &lumberjack.Logger{
			Filename: filepath.Join(dir, "ada-daemon.log"),
			MaxAge:   1, // days a rotated file is kept
			Compress: true,
		}
		go func() {
			for range time.Tick(24 * time.Hour) {
				_ = roller.Rotate()
			}
		}()

		if os.Getenv("ADA_LOG_STDERR") == "1" {
			writer = io.MultiWriter(roller, os.Stderr)
		} else {
			writer = roller
		}
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
