// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/playok/fitalert/internal/config"
)

// New returns a logger writing to a rotated file when logFile is set and
// to stderr otherwise. The returned closer flushes the file.
func New(cfg config.LogConfig, logFile string) (*slog.Logger, io.Closer) {
	return newLogger(cfg, logFile, os.Stderr)
}

func newLogger(cfg config.LogConfig, logFile string, stderr io.Writer) (*slog.Logger, io.Closer) {
	if logFile == "" {
		return slog.New(NewHandler(stderr, cfg)), nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return slog.New(NewHandler(lj, cfg)), lj
}

// NewHandler returns the text or JSON handler selected by cfg.Format.
func NewHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
