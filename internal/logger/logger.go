// Package logger is the process-wide structured logger.
//
// It wraps log/slog with the key-value calling convention used across
// the server:
//
//	logger.Debug("NFS READ", "handle", h, "offset", off, "count", n)
//
// Handlers log at Debug on the hot path and at Warn/Error only for
// conditions an operator should see; per-request failures that are part
// of normal protocol operation (ENOENT, lock conflicts) stay at Debug.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Config selects level, format, and destination.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output string // stdout, stderr, or a file path
}

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Init installs the process logger. Safe to call once at startup;
// subsequent log calls from any goroutine observe the new logger.
func Init(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	current.Store(slog.New(handler))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Debug logs at debug level with alternating key-value pairs.
func Debug(msg string, kv ...any) { current.Load().Debug(msg, kv...) }

// Info logs at info level.
func Info(msg string, kv ...any) { current.Load().Info(msg, kv...) }

// Warn logs at warn level.
func Warn(msg string, kv ...any) { current.Load().Warn(msg, kv...) }

// Error logs at error level.
func Error(msg string, kv ...any) { current.Load().Error(msg, kv...) }
