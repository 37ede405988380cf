// Package logging builds the slog logger used by the readahead CLI.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for file output.
const (
	maxSizeMB  = 50
	maxBackups = 3
)

// Config selects level, format and destination.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	File   string // empty logs to the fallback writer
}

// New returns a logger for cfg. Without a file, records go to fallback.
// The returned closer releases the log file and is never nil.
func New(cfg Config, fallback io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out, closer, err := output(cfg.File, fallback)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// ParseLevel converts a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func output(path string, fallback io.Writer) (io.Writer, io.Closer, error) {
	if path == "" {
		if fallback == nil {
			fallback = os.Stderr
		}
		return fallback, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
		LocalTime:  true,
	}
	return rotator, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
